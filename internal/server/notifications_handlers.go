package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/notifications"
)

func (h *httpHandler) registerNotificationRoutes(api *gin.RouterGroup) {
	api.GET("/notifications", h.handleListNotifications)
	api.GET("/notifications/unread-count", h.handleUnreadCount)
	api.POST("/notifications/read", h.handleMarkRead)
	api.POST("/notifications/read-all", h.handleMarkAllRead)
	api.POST("/notifications/:notificationId/archive", h.handleArchive)
	api.DELETE("/notifications/:notificationId/archive", h.handleUnarchive)
}

type markReadPayload struct {
	NotificationIDs []string `json:"notificationIds"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	filter, err := parseListFilter(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	listed, err := h.notifications.List(c.Request.Context(), principalFrom(c).ID, filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if listed == nil {
		listed = []notifications.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": listed})
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	count, err := h.notifications.UnreadCount(c.Request.Context(), principalFrom(c).ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	var request markReadPayload
	if !h.bindJSON(c, &request) {
		return
	}
	updated, err := h.notifications.MarkRead(c.Request.Context(), principalFrom(c).ID, request.NotificationIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	updated, err := h.notifications.MarkAllRead(c.Request.Context(), principalFrom(c).ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *httpHandler) handleArchive(c *gin.Context) {
	archived, err := h.notifications.Archive(c.Request.Context(), principalFrom(c).ID, c.Param("notificationId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, archived)
}

func (h *httpHandler) handleUnarchive(c *gin.Context) {
	restored, err := h.notifications.Unarchive(c.Request.Context(), principalFrom(c).ID, c.Param("notificationId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, restored)
}

func parseListFilter(c *gin.Context) (notifications.ListFilter, error) {
	var filter notifications.ListFilter
	var err error
	if filter.UnreadOnly, err = queryBool(c, "unreadOnly"); err != nil {
		return notifications.ListFilter{}, err
	}
	if filter.IncludeArchived, err = queryBool(c, "includeArchived"); err != nil {
		return notifications.ListFilter{}, err
	}
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		return notifications.ListFilter{}, err
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		return notifications.ListFilter{}, err
	}
	return filter, nil
}

func queryBool(c *gin.Context, key string) (bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperr.Validation("%s must be a boolean", key)
	}
	return value, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, apperr.Validation("%s must be a non-negative integer", key)
	}
	return value, nil
}
