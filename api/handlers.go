package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
	"taskboard-api/subscription"
)

const requestBodyMaxSize = 1 << 20

const defaultNotificationLimit = 20

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, dispatch Dispatcher, streams StreamFactory, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(store, auth))
	e.POST("/api/tasks", postTask(store, auth, dispatch))
	e.GET("/api/tasks/:id", getTask(store, auth))
	e.PUT("/api/tasks/:id", putTask(store, auth, dispatch))
	e.DELETE("/api/tasks/:id", deleteTask(store, auth))
	e.GET("/api/tasks/:id/comments", getComments(store, auth))
	e.POST("/api/tasks/:id/comments", postComment(store, auth, dispatch))
	e.GET("/api/notifications", getNotifications(store, auth, logger))
	e.GET("/api/notifications/unread-count", getUnreadCount(store, auth))
	e.POST("/api/notifications/:id/read", markRead(store, auth))
	e.POST("/api/notifications/read-all", markAllRead(store, auth))
	e.GET("/api/notifications/stream", streamNotifications(streams, auth))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func getTasks(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		tasks, err := store.FetchTasks(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, tasks)
	}
}

func getTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		task, err := store.GetTask(ctx, c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if task == nil {
			return c.NoContent(http.StatusNotFound)
		}
		if task.OwnerID != userID && task.AssigneeID != userID {
			return c.NoContent(http.StatusForbidden)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func postTask(store Storage, auth Authenticator, dispatch Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var draft domain.Task
		if err := decodeBody(c, &draft); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if strings.TrimSpace(draft.Title) == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}
		draft.ID = ""
		draft.OwnerID = userID

		task, err := store.InsertTask(ctx, draft)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if task.AssigneeID != "" {
			dispatch.Emit(domain.TaskAssignedEvent{
				TaskID:     task.ID,
				TaskTitle:  task.Title,
				ActorID:    userID,
				AssigneeID: task.AssigneeID,
			})
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func putTask(store Storage, auth Authenticator, dispatch Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if patch.Empty() {
			return c.String(http.StatusBadRequest, "empty patch")
		}
		task, err := store.GetTask(ctx, c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if task == nil {
			return c.NoContent(http.StatusNotFound)
		}
		if task.OwnerID != userID && task.AssigneeID != userID {
			return c.NoContent(http.StatusForbidden)
		}
		if err := store.UpdateTask(ctx, task.OwnerID, task.ID, patch); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		prevAssignee := task.AssigneeID
		after := patch.Apply(*task)
		dispatch.Emit(domain.TaskUpdatedEvent{
			TaskID:     after.ID,
			TaskTitle:  after.Title,
			ActorID:    userID,
			Candidates: []string{after.OwnerID, after.AssigneeID},
		})
		if patch.AssigneeID != nil && after.AssigneeID != "" && after.AssigneeID != prevAssignee {
			dispatch.Emit(domain.TaskAssignedEvent{
				TaskID:     after.ID,
				TaskTitle:  after.Title,
				ActorID:    userID,
				AssigneeID: after.AssigneeID,
			})
		}
		return c.JSON(http.StatusOK, after)
	}
}

func deleteTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		task, err := store.GetTask(ctx, c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if task == nil {
			return c.NoContent(http.StatusNotFound)
		}
		if task.OwnerID != userID {
			return c.NoContent(http.StatusForbidden)
		}
		if err := store.DeleteTask(ctx, task.OwnerID, task.ID); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getComments(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		task, err := store.GetTask(ctx, c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if task == nil {
			return c.NoContent(http.StatusNotFound)
		}
		if task.OwnerID != userID && task.AssigneeID != userID {
			return c.NoContent(http.StatusForbidden)
		}
		comments, err := store.ListComments(ctx, task.ID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, comments)
	}
}

type commentRequest struct {
	Content string `json:"content"`
}

func postComment(store Storage, auth Authenticator, dispatch Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var body commentRequest
		if err := decodeBody(c, &body); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if strings.TrimSpace(body.Content) == "" {
			return c.String(http.StatusBadRequest, "content is required")
		}
		task, err := store.GetTask(ctx, c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if task == nil {
			return c.NoContent(http.StatusNotFound)
		}
		if task.OwnerID != userID && task.AssigneeID != userID {
			return c.NoContent(http.StatusForbidden)
		}
		comment, err := store.InsertComment(ctx, domain.Comment{
			TaskID:   task.ID,
			AuthorID: userID,
			Content:  body.Content,
		})
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		dispatch.Emit(domain.CommentAddedEvent{
			TaskID:     task.ID,
			TaskTitle:  task.Title,
			ActorID:    userID,
			OwnerID:    task.OwnerID,
			AssigneeID: task.AssigneeID,
		})
		return c.JSON(http.StatusCreated, comment)
	}
}

func getNotifications(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newNotificationRequestMetrics(ctx, logger)
		if spanCtx != nil {
			req := c.Request().WithContext(spanCtx)
			c.SetRequest(req)
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		limit := defaultNotificationLimit
		if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
			n, parseErr := strconv.Atoi(raw)
			if parseErr != nil || n <= 0 {
				metrics.SetErrorStage("invalid_limit")
				err = c.String(http.StatusBadRequest, "invalid limit")
				return err
			}
			limit = n
		}

		fetchStart := time.Now()
		rows, fetchErr := store.ListNotifications(ctx, userID, limit)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}
		metrics.SetRowsReturned(len(rows))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, enrichNotifications(ctx, store, rows))
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

// enrichNotifications resolves actor display names, one profile lookup
// per distinct creator. A failed lookup keeps the row with a placeholder
// name rather than dropping it.
func enrichNotifications(ctx context.Context, store Storage, rows []domain.Notification) []subscription.Item {
	items := make([]subscription.Item, 0, len(rows))
	names := make(map[string]string, len(rows))
	for _, row := range rows {
		name, ok := names[row.CreatorID]
		if !ok {
			name = subscription.PlaceholderActor
			if row.CreatorID != "" {
				if profile, err := store.GetProfile(ctx, row.CreatorID); err == nil && profile.Name != "" {
					name = profile.Name
				}
			}
			names[row.CreatorID] = name
		}
		items = append(items, subscription.Item{Notification: row, ActorName: name})
	}
	return items
}

type unreadCountResponse struct {
	Count int `json:"count"`
}

func getUnreadCount(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		count, err := store.UnreadCount(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, unreadCountResponse{Count: count})
	}
}

func markRead(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if err := store.MarkRead(ctx, userID, c.Param("id")); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type markAllReadResponse struct {
	Marked int `json:"marked"`
}

func markAllRead(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		marked, err := store.MarkAllRead(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, markAllReadResponse{Marked: marked})
	}
}
