package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer edit", role: RoleViewer, action: ActionEdit, allow: false},
		{name: "author edit", role: RoleAuthor, action: ActionEdit, allow: true},
		{name: "author review", role: RoleAuthor, action: ActionReview, allow: false},
		{name: "reviewer review", role: RoleReviewer, action: ActionReview, allow: true},
		{name: "reviewer publish", role: RoleReviewer, action: ActionPublish, allow: false},
		{name: "publisher publish", role: RolePublisher, action: ActionPublish, allow: true},
		{name: "publisher archive", role: RolePublisher, action: ActionArchive, allow: true},
		{name: "publisher operate", role: RolePublisher, action: ActionOperate, allow: false},
		{name: "admin operate", role: RoleAdmin, action: ActionOperate, allow: true},
		{name: "unknown role", role: Role("ghost"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("publisher"); got != RolePublisher {
		t.Fatalf("Normalize(publisher) = %q", got)
	}
	if got := Normalize("superuser"); got != RoleViewer {
		t.Fatalf("Normalize(superuser) = %q, want viewer", got)
	}
}
