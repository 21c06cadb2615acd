package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/Kicko7/Klyno-sub001/pkg/config"
	apperrors "github.com/Kicko7/Klyno-sub001/pkg/errors"
	"github.com/Kicko7/Klyno-sub001/pkg/jwt"
	"github.com/Kicko7/Klyno-sub001/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout:  10 * time.Second,
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		// Auth is the JWT, not the Origin header.
		return true
	},
}

// Gateway upgrades authenticated HTTP requests to websocket
// connections and starts their pumps.
type Gateway struct {
	hub    *Hub
	router *Router
	jwt    *jwt.Service
	cfg    *config.Config
	log    *logger.Logger
}

// NewGateway creates the websocket entry point.
func NewGateway(hub *Hub, router *Router, jwtService *jwt.Service, cfg *config.Config, log *logger.Logger) *Gateway {
	return &Gateway{
		hub:    hub,
		router: router,
		jwt:    jwtService,
		cfg:    cfg,
		log:    log,
	}
}

// tokenFromRequest pulls the JWT from the token query parameter or the
// Authorization header. Browsers cannot set headers on websocket
// upgrades, so the query parameter is the primary channel.
func tokenFromRequest(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// ServeWS is the GET /ws handler. The handshake rejects the upgrade
// with 401 before any websocket traffic when the token is missing,
// invalid, or expired.
func (g *Gateway) ServeWS(c *gin.Context) {
	token := tokenFromRequest(c)
	if token == "" {
		c.Error(apperrors.NewAuthenticationError("missing authentication token"))
		c.Abort()
		return
	}

	claims, err := g.jwt.ValidateToken(token)
	if err != nil {
		g.log.Warn("websocket handshake rejected", "error", err.Error(), "remote", c.ClientIP())
		c.Error(apperrors.NewAuthenticationError("invalid or expired token"))
		c.Abort()
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		g.log.Warn("websocket upgrade failed", "error", err.Error(), "remote", c.ClientIP())
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		UserID:      claims.UserID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		ConnectedAt: time.Now(),
		hub:         g.hub,
		router:      g.router,
		limiter:     NewOpLimiter(g.cfg),
		log:         g.log,
		rooms:       make(map[string]bool),
	}

	g.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
