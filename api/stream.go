package api

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"taskboard-api/subscription"
)

type streamSnapshot struct {
	Notifications []subscription.Item `json:"notifications"`
	UnreadCount   int                 `json:"unreadCount"`
}

// streamNotifications pushes the caller's notification snapshot over SSE
// whenever a new row is merged. Each connection gets its own stream
// handle, torn down when the client goes away.
func streamNotifications(streams StreamFactory, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		// EventSource cannot set headers; accept the token as a query
		// parameter too.
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		stream := streams()
		if err := stream.Open(ctx, userID); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		defer stream.Close()

		for {
			snapshot := streamSnapshot{
				Notifications: stream.Notifications(),
				UnreadCount:   stream.UnreadCount(),
			}
			data, err := sonic.Marshal(snapshot)
			if err != nil {
				c.Logger().Error(err)
				return err
			}
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return err
			}
			if _, err := c.Response().Write(data); err != nil {
				return err
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return err
			}
			flusher.Flush()

			select {
			case <-ctx.Done():
				return nil
			case <-stream.Updates():
				if err := stream.Err(); err != nil {
					c.Logger().Error(err)
					return nil
				}
			}
		}
	}
}
