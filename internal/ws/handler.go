package ws

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"soulchat/internal/identity"
	"soulchat/internal/relay"
	"soulchat/internal/service/chat"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy belongs to the deployment's reverse proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades authenticated requests to live connections and hooks
// them into the presence registry.
type Handler struct {
	verifier identity.Verifier
	registry *relay.Registry
	relay    *relay.Relay
	chats    *chat.Service
}

func NewHandler(verifier identity.Verifier, registry *relay.Registry, r *relay.Relay, chats *chat.Service) *Handler {
	return &Handler{verifier: verifier, registry: registry, relay: r, chats: chats}
}

// Serve is the gin handler for the websocket endpoint. Identity is
// established once at connect time from the token; every inbound event
// on the socket acts as that user.
func (h *Handler) Serve(c *gin.Context) {
	token := identity.ExtractToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	userID, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade failed for %s: %v", userID, err)
		return
	}

	client := newClient(userID, conn, h)
	h.registry.Register(client)
	go client.writePump()
	go client.readPump()
}
