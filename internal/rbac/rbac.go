package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleAuthor    Role = "author"
	RoleReviewer  Role = "reviewer"
	RolePublisher Role = "publisher"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionEdit    Action = "edit"
	ActionReview  Action = "review"
	ActionPublish Action = "publish"
	ActionArchive Action = "archive"
	ActionOperate Action = "operate"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RolePublisher:
		return action == ActionRead || action == ActionEdit || action == ActionReview || action == ActionPublish || action == ActionArchive
	case RoleReviewer:
		return action == ActionRead || action == ActionReview
	case RoleAuthor:
		return action == ActionRead || action == ActionEdit
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAuthor, RoleReviewer, RolePublisher, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
