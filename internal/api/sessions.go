package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	log "github.com/msgbridge/msgbridge/internal/logging"
	"github.com/msgbridge/msgbridge/internal/provider"
	"github.com/msgbridge/msgbridge/internal/router"
	"github.com/msgbridge/msgbridge/internal/session"
)

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	tenantID := c.Param("tenantId")
	snap, err := s.sessions.CreateSession(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleGetSession(c *gin.Context) {
	tenantID := c.Param("tenantId")
	snap, err := s.sessions.Get(tenantID)
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusOK, notFoundShape(tenantID))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	tenantID := c.Param("tenantId")
	if err := s.sessions.DisconnectSession(tenantID); errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusOK, notFoundShape(tenantID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenantId": tenantID, "status": "disconnected"})
}

type sendRequest struct {
	To       string `json:"to" binding:"required"`
	Text     string `json:"text"`
	Template *struct {
		Name     string   `json:"name"`
		Params   []string `json:"params"`
		Language string   `json:"language"`
	} `json:"template"`
	Media *struct {
		Kind     string `json:"kind"`
		URL      string `json:"url"`
		Caption  string `json:"caption"`
		MimeType string `json:"mimeType"`
		Filename string `json:"filename"`
	} `json:"media"`
}

func (s *Server) handleSend(c *gin.Context) {
	tenantID := c.Param("tenantId")

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg := router.Message{To: req.To, Text: req.Text}
	if req.Template != nil {
		msg.Template = &router.Template{
			Name:     req.Template.Name,
			Params:   req.Template.Params,
			Language: req.Template.Language,
		}
	}
	if req.Media != nil {
		msg.Media = &provider.Media{
			Kind:     req.Media.Kind,
			URL:      req.Media.URL,
			Caption:  req.Media.Caption,
			MimeType: req.Media.MimeType,
			Filename: req.Media.Filename,
		}
	}

	result, err := s.router.Send(c.Request.Context(), tenantID, msg)
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusOK, notFoundShape(tenantID))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messageId": result.MessageID, "provider": result.Provider})
}

// handleSessionStream upgrades to a WebSocket and pushes the session snapshot
// on every status transition until the client goes away.
func (s *Server) handleSessionStream(c *gin.Context) {
	tenantID := c.Param("tenantId")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates := make(chan session.Snapshot, 16)
	unsubscribe := s.sessions.Subscribe(tenantID, func(snap session.Snapshot) {
		select {
		case updates <- snap:
		default:
		}
	})
	defer unsubscribe()

	// Initial state, then transitions.
	if snap, err := s.sessions.Get(tenantID); err == nil {
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	} else {
		if err := conn.WriteJSON(notFoundShape(tenantID)); err != nil {
			return
		}
	}

	// Reader goroutine notices client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case snap := <-updates:
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleQueueList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"length":  s.queue.Len(),
		"entries": s.queue.List(),
	})
}

func (s *Server) handleQueueDrain(c *gin.Context) {
	go s.forwarder.ProcessQueue(context.Background())
	c.JSON(http.StatusAccepted, gin.H{"status": "draining", "length": s.queue.Len()})
}

func (s *Server) handleStats(c *gin.Context) {
	out := gin.H{
		"queueLength": s.queue.Len(),
		"sessions":    len(s.sessions.List()),
		"breakers": gin.H{
			string(provider.Cloud):  s.router.BreakerState(provider.Cloud),
			string(provider.Socket): s.router.BreakerState(provider.Socket),
		},
	}

	if s.stats != nil {
		since := time.Now().Add(-24 * time.Hour)
		ctx := c.Request.Context()
		if global, err := s.stats.QueryGlobalStats(ctx, since); err == nil {
			out["sends"] = global
		} else {
			log.WithError(err).Warnf("stats query failed")
		}
		if byProvider, err := s.stats.QueryProviderStats(ctx, since); err == nil {
			out["byProvider"] = byProvider
		}
		if byTenant, err := s.stats.QueryTenantStats(ctx, since); err == nil {
			out["byTenant"] = byTenant
		}
		if daily, err := s.stats.QueryDailyStats(ctx, since); err == nil {
			out["daily"] = daily
		}
	}
	c.JSON(http.StatusOK, out)
}
