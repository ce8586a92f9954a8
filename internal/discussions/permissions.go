package discussions

import "github.com/MarcoPoloResearchLab/classroom/backend/internal/auth"

// canModerate covers approve/reject, pin, sticky and lock.
func canModerate(actor auth.Principal) bool {
	return actor.Role.IsModerator()
}

// canManageContent covers edit and soft delete.
func canManageContent(actor auth.Principal, authorID string) bool {
	return actor.ID != "" && (actor.ID == authorID || canModerate(actor))
}

func canMarkSolution(actor auth.Principal, discussion Discussion) bool {
	return canManageContent(actor, discussion.AuthorID)
}

func canSeeDiscussion(viewer auth.Principal, discussion Discussion) bool {
	if discussion.IsPublic() {
		return true
	}
	switch discussion.Status {
	case DiscussionPending:
		return canManageContent(viewer, discussion.AuthorID)
	default:
		return canModerate(viewer)
	}
}

func canSeeReply(viewer auth.Principal, reply Reply) bool {
	switch reply.Status {
	case ReplyActive:
		return true
	case ReplyPending, ReplyHidden:
		return canManageContent(viewer, reply.AuthorID)
	default:
		return false
	}
}
