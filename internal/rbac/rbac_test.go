package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer view", role: RoleViewer, action: ActionView, allow: true},
		{name: "viewer edit", role: RoleViewer, action: ActionEdit, allow: false},
		{name: "viewer manage", role: RoleViewer, action: ActionManage, allow: false},
		{name: "editor view", role: RoleEditor, action: ActionView, allow: true},
		{name: "editor edit", role: RoleEditor, action: ActionEdit, allow: true},
		{name: "editor manage", role: RoleEditor, action: ActionManage, allow: false},
		{name: "owner manage", role: RoleOwner, action: ActionManage, allow: true},
		{name: "owner edit", role: RoleOwner, action: ActionEdit, allow: true},
		{name: "unknown role", role: Role("stranger"), action: ActionView, allow: false},
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
	if got := Normalize("owner"); got != RoleOwner {
		t.Fatalf("Normalize(owner) = %q", got)
	}
	if got := Normalize("gibberish"); got != RoleViewer {
		t.Fatalf("Normalize should default to viewer, got %q", got)
	}
}
