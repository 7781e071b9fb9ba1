package rbac

import (
	"context"
	"database/sql"
	"testing"

	"tracker/api/internal/store"
)

type fakeStore struct {
	users  map[string]store.User
	grants map[string]store.Grant // key: issueID + "/" + userID
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetGrantForUser(_ context.Context, issueID, userID string) (store.Grant, error) {
	grant, ok := f.grants[issueID+"/"+userID]
	if !ok {
		return store.Grant{}, sql.ErrNoRows
	}
	return grant, nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[string]store.User{
			"usr_admin":    {ID: "usr_admin", Username: "root", Role: "admin"},
			"usr_reporter": {ID: "usr_reporter", Username: "alice", Role: "read"},
			"usr_manager":  {ID: "usr_manager", Username: "bob", Role: "read"},
			"usr_issadmin": {ID: "usr_issadmin", Username: "carol", Role: "read"},
			"usr_nogrant":  {ID: "usr_nogrant", Username: "dave", Role: "read"},
		},
		grants: map[string]store.Grant{
			"iss_1/usr_reporter": {ID: "grt_1", IssueID: "iss_1", UserID: "usr_reporter", Role: "reporter"},
			"iss_1/usr_manager":  {ID: "grt_2", IssueID: "iss_1", UserID: "usr_manager", Role: "manager"},
			"iss_1/usr_issadmin": {ID: "grt_3", IssueID: "iss_1", UserID: "usr_issadmin", Role: "admin"},
		},
	}
}

func TestCanRead(t *testing.T) {
	engine := NewEngine(newFakeStore())
	ctx := context.Background()

	tests := []struct {
		name    string
		userID  string
		issueID string
		want    bool
	}{
		{"admin bypasses grants", "usr_admin", "iss_1", true},
		{"admin reads unknown issue", "usr_admin", "iss_missing", true},
		{"reporter grant reads", "usr_reporter", "iss_1", true},
		{"manager grant reads", "usr_manager", "iss_1", true},
		{"issue-admin grant reads", "usr_issadmin", "iss_1", true},
		{"no grant denied", "usr_nogrant", "iss_1", false},
		{"unknown user denied", "usr_ghost", "iss_1", false},
		{"grantee on other issue denied", "usr_reporter", "iss_2", false},
		{"empty issue id denied", "usr_reporter", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.CanRead(ctx, tc.userID, tc.issueID)
			if err != nil {
				t.Fatalf("CanRead failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("CanRead(%s, %s) = %v, want %v", tc.userID, tc.issueID, got, tc.want)
			}
		})
	}
}

func TestCanEdit(t *testing.T) {
	engine := NewEngine(newFakeStore())
	ctx := context.Background()

	tests := []struct {
		name    string
		userID  string
		issueID string
		want    bool
	}{
		{"admin bypasses grants", "usr_admin", "iss_1", true},
		{"manager grant edits", "usr_manager", "iss_1", true},
		{"reporter grant cannot edit", "usr_reporter", "iss_1", false},
		{"issue-admin grant cannot edit", "usr_issadmin", "iss_1", false},
		{"no grant denied", "usr_nogrant", "iss_1", false},
		{"unknown user denied", "usr_ghost", "iss_1", false},
		{"empty issue id denied", "usr_manager", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.CanEdit(ctx, tc.userID, tc.issueID)
			if err != nil {
				t.Fatalf("CanEdit failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("CanEdit(%s, %s) = %v, want %v", tc.userID, tc.issueID, got, tc.want)
			}
		})
	}
}

func TestValidGrantRole(t *testing.T) {
	for _, role := range []string{"reporter", "manager", "admin"} {
		if !ValidGrantRole(role) {
			t.Errorf("expected %q to be valid", role)
		}
	}
	for _, role := range []string{"read", "write", "owner", ""} {
		if ValidGrantRole(role) {
			t.Errorf("expected %q to be invalid", role)
		}
	}
}

func TestNormalizeUserRole(t *testing.T) {
	if NormalizeUserRole("admin") != UserRoleAdmin {
		t.Error("expected admin to normalize to admin")
	}
	for _, role := range []string{"read", "", "manager", "superuser"} {
		if NormalizeUserRole(role) != UserRoleRead {
			t.Errorf("expected %q to normalize to read", role)
		}
	}
}
