package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/discussions"
)

func (h *httpHandler) registerDiscussionRoutes(api *gin.RouterGroup) {
	api.GET("/courses/:courseId/discussions", h.handleListDiscussions)
	api.POST("/discussions", h.handleCreateDiscussion)
	api.GET("/discussions/:discussionId", h.handleGetDiscussion)
	api.PATCH("/discussions/:discussionId", h.handleEditDiscussion)
	api.DELETE("/discussions/:discussionId", h.handleDeleteDiscussion)
	api.POST("/discussions/:discussionId/moderate", h.handleModerateDiscussion)
	api.POST("/discussions/:discussionId/pin", h.handleTogglePin)
	api.POST("/discussions/:discussionId/sticky", h.handleSetSticky)
	api.POST("/discussions/:discussionId/lock", h.handleSetLocked)
	api.GET("/discussions/:discussionId/replies", h.handleListReplies)
	api.POST("/discussions/:discussionId/replies", h.handleCreateReply)

	api.PATCH("/replies/:replyId", h.handleEditReply)
	api.DELETE("/replies/:replyId", h.handleDeleteReply)
	api.POST("/replies/:replyId/moderate", h.handleModerateReply)
	api.POST("/replies/:replyId/vote", h.handleVote)
	api.DELETE("/replies/:replyId/vote", h.handleUnvote)
	api.POST("/replies/:replyId/solution", h.handleMarkSolution)
}

type createDiscussionPayload struct {
	CourseID     string         `json:"courseId"`
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	Category     string         `json:"category"`
	Tags         []string       `json:"tags"`
	Attachments  datatypes.JSON `json:"attachments"`
	Links        datatypes.JSON `json:"links"`
	CodeSnippets datatypes.JSON `json:"codeSnippets"`
}

type editDiscussionPayload struct {
	Title    *string   `json:"title"`
	Content  *string   `json:"content"`
	Category *string   `json:"category"`
	Tags     *[]string `json:"tags"`
}

type moderationPayload struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

type deletionPayload struct {
	Reason string `json:"reason"`
}

type pinPayload struct {
	Action string `json:"action"`
}

type stickyPayload struct {
	Sticky bool `json:"sticky"`
}

type lockPayload struct {
	Locked bool `json:"locked"`
}

type createReplyPayload struct {
	Content       string         `json:"content"`
	ParentReplyID string         `json:"parentReply"`
	Attachments   datatypes.JSON `json:"attachments"`
}

type editReplyPayload struct {
	Content string `json:"content"`
}

type votePayload struct {
	VoteType string `json:"voteType"`
}

type replyResponsePayload struct {
	Reply      discussions.Reply `json:"reply"`
	VoteCount  int               `json:"voteCount"`
	ReplyCount int64             `json:"replyCount"`
}

func replyResponse(change discussions.ReplyChange) replyResponsePayload {
	return replyResponsePayload{
		Reply:      change.Reply,
		VoteCount:  change.Reply.VoteCount(),
		ReplyCount: change.Discussion.ReplyCount,
	}
}

func (h *httpHandler) handleListDiscussions(c *gin.Context) {
	listed, err := h.discussions.ListDiscussions(c.Request.Context(), principalFrom(c), c.Param("courseId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if listed == nil {
		listed = []discussions.Discussion{}
	}
	c.JSON(http.StatusOK, gin.H{"discussions": listed})
}

func (h *httpHandler) handleCreateDiscussion(c *gin.Context) {
	var request createDiscussionPayload
	if !h.bindJSON(c, &request) {
		return
	}
	created, err := h.discussions.CreateDiscussion(c.Request.Context(), principalFrom(c), discussions.DiscussionDraft{
		CourseID:     request.CourseID,
		Title:        request.Title,
		Content:      request.Content,
		Category:     discussions.Category(request.Category),
		Tags:         request.Tags,
		Attachments:  request.Attachments,
		Links:        request.Links,
		CodeSnippets: request.CodeSnippets,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// handleGetDiscussion counts a view for every successful read.
func (h *httpHandler) handleGetDiscussion(c *gin.Context) {
	discussion, err := h.discussions.RecordView(c.Request.Context(), principalFrom(c), c.Param("discussionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, discussion)
}

func (h *httpHandler) handleEditDiscussion(c *gin.Context) {
	var request editDiscussionPayload
	if !h.bindJSON(c, &request) {
		return
	}
	patch := discussions.DiscussionPatch{Title: request.Title, Content: request.Content, Tags: request.Tags}
	if request.Category != nil {
		category := discussions.Category(*request.Category)
		patch.Category = &category
	}
	updated, err := h.discussions.EditDiscussion(c.Request.Context(), principalFrom(c), c.Param("discussionId"), patch)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleDeleteDiscussion(c *gin.Context) {
	var request deletionPayload
	if c.Request.ContentLength > 0 && !h.bindJSON(c, &request) {
		return
	}
	deleted, err := h.discussions.DeleteDiscussion(c.Request.Context(), principalFrom(c), c.Param("discussionId"), request.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, deleted)
}

func (h *httpHandler) handleModerateDiscussion(c *gin.Context) {
	var request moderationPayload
	if !h.bindJSON(c, &request) {
		return
	}
	moderated, err := h.discussions.ModerateDiscussion(c.Request.Context(), principalFrom(c), c.Param("discussionId"),
		discussions.ModerationAction(request.Action), request.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, moderated)
}

func (h *httpHandler) handleTogglePin(c *gin.Context) {
	var request pinPayload
	if !h.bindJSON(c, &request) {
		return
	}
	updated, err := h.discussions.TogglePin(c.Request.Context(), principalFrom(c), c.Param("discussionId"), discussions.PinAction(request.Action))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleSetSticky(c *gin.Context) {
	var request stickyPayload
	if !h.bindJSON(c, &request) {
		return
	}
	updated, err := h.discussions.SetSticky(c.Request.Context(), principalFrom(c), c.Param("discussionId"), request.Sticky)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleSetLocked(c *gin.Context) {
	var request lockPayload
	if !h.bindJSON(c, &request) {
		return
	}
	updated, err := h.discussions.SetLocked(c.Request.Context(), principalFrom(c), c.Param("discussionId"), request.Locked)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleListReplies(c *gin.Context) {
	replies, err := h.discussions.ListReplies(c.Request.Context(), principalFrom(c), c.Param("discussionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if replies == nil {
		replies = []discussions.Reply{}
	}
	c.JSON(http.StatusOK, gin.H{"replies": replies})
}

func (h *httpHandler) handleCreateReply(c *gin.Context) {
	var request createReplyPayload
	if !h.bindJSON(c, &request) {
		return
	}
	change, err := h.discussions.CreateReply(c.Request.Context(), principalFrom(c), discussions.ReplyDraft{
		DiscussionID:  c.Param("discussionId"),
		ParentReplyID: request.ParentReplyID,
		Content:       request.Content,
		Attachments:   request.Attachments,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, replyResponse(change))
}

func (h *httpHandler) handleEditReply(c *gin.Context) {
	var request editReplyPayload
	if !h.bindJSON(c, &request) {
		return
	}
	change, err := h.discussions.EditReply(c.Request.Context(), principalFrom(c), c.Param("replyId"), request.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, replyResponse(change))
}

func (h *httpHandler) handleDeleteReply(c *gin.Context) {
	var request deletionPayload
	if c.Request.ContentLength > 0 && !h.bindJSON(c, &request) {
		return
	}
	change, err := h.discussions.DeleteReply(c.Request.Context(), principalFrom(c), c.Param("replyId"), request.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, replyResponse(change))
}

func (h *httpHandler) handleModerateReply(c *gin.Context) {
	var request moderationPayload
	if !h.bindJSON(c, &request) {
		return
	}
	change, err := h.discussions.ModerateReply(c.Request.Context(), principalFrom(c), c.Param("replyId"),
		discussions.ModerationAction(request.Action), request.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, replyResponse(change))
}

func (h *httpHandler) handleVote(c *gin.Context) {
	var request votePayload
	if !h.bindJSON(c, &request) {
		return
	}
	change, err := h.discussions.Vote(c.Request.Context(), principalFrom(c), c.Param("replyId"), discussions.VoteType(request.VoteType))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, replyResponse(change))
}

func (h *httpHandler) handleUnvote(c *gin.Context) {
	change, err := h.discussions.Unvote(c.Request.Context(), principalFrom(c), c.Param("replyId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, replyResponse(change))
}

func (h *httpHandler) handleMarkSolution(c *gin.Context) {
	change, err := h.discussions.MarkSolution(c.Request.Context(), principalFrom(c), c.Param("replyId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, replyResponse(change))
}
