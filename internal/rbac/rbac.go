package rbac

type Role string
type Action string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

const (
	// ActionView covers reads and realtime subscriptions.
	ActionView Action = "view"
	// ActionEdit covers moves, renames and checklist changes.
	ActionEdit Action = "edit"
	// ActionManage covers structural changes: creating and deleting
	// columns and cards.
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionView || action == ActionEdit
	case RoleViewer:
		return action == ActionView
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleEditor, RoleViewer:
		return Role(role)
	default:
		return RoleViewer
	}
}
