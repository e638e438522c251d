package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	log "github.com/msgbridge/msgbridge/internal/logging"
)

// handleWebhookVerify answers the platform's subscription handshake: echo the
// challenge when mode and token match, 403 otherwise.
func (s *Server) handleWebhookVerify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token != "" && token == s.cfg.Current().Cloud.VerifyToken {
		c.String(http.StatusOK, challenge)
		return
	}
	c.AbortWithStatus(http.StatusForbidden)
}

// handleWebhookInbound accepts a platform delivery. The platform retries
// aggressively on anything but a fast 200, so the body is processed after the
// response is on the wire.
func (s *Server) handleWebhookInbound(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.Status(http.StatusOK)
		return
	}
	c.Status(http.StatusOK)

	go s.routeWebhook(body)
}

// routeWebhook finds the session owning the delivery's phone number id and
// hands the raw payload to its cloud provider for normalization.
func (s *Server) routeWebhook(body []byte) {
	phoneNumberID := gjson.GetBytes(body, "entry.0.changes.0.value.metadata.phone_number_id").String()
	if phoneNumberID == "" {
		log.Debugf("platform webhook without phone_number_id, dropping")
		return
	}

	tenantID, cloud, ok := s.sessions.FindCloudTenant(phoneNumberID)
	if !ok {
		log.Warnf("platform webhook for unknown phone number id %s", phoneNumberID)
		return
	}
	log.Debugf("platform webhook routed to tenant %s", tenantID)
	cloud.HandleWebhook(body)
}
