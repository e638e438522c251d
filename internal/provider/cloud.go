package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/msgbridge/msgbridge/internal/config"
	log "github.com/msgbridge/msgbridge/internal/logging"
)

// CloudProvider is the official HTTP provider (P1). Sends go out as Graph-style
// REST calls; inbound messages arrive on the platform webhook endpoint and are
// routed here via HandleWebhook.
type CloudProvider struct {
	tenantID string
	cfg      config.CloudConfig
	sink     EventSink
	client   *http.Client
	health   Health

	mu            sync.RWMutex
	status        Status
	phoneIdentity string
}

// NewCloudProvider builds a cloud provider for one tenant.
func NewCloudProvider(tenantID string, cfg config.CloudConfig, sink EventSink) *CloudProvider {
	return &CloudProvider{
		tenantID: tenantID,
		cfg:      cfg,
		sink:     sink,
		client:   &http.Client{Timeout: SendTimeout},
		status:   StatusDisconnected,
	}
}

func (p *CloudProvider) ID() ID { return Cloud }

func (p *CloudProvider) Capabilities() Capabilities {
	return Capabilities{
		SupportsTemplates:   true,
		SupportsInteractive: true,
		RequiresQRAuth:      false,
		IsOfficial:          true,
	}
}

// Connect validates the credentials by fetching the phone number record.
// Cloud sessions are credential based, so a successful probe resolves
// connected immediately.
func (p *CloudProvider) Connect(ctx context.Context) (ConnectResult, error) {
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s?fields=display_phone_number", p.cfg.BaseURL, p.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ConnectResult{}, WrapError(ClassOther, "build connect request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return ConnectResult{}, WrapError(ClassTimeout, "connect probe timed out", err)
		}
		return ConnectResult{}, WrapError(ClassOther, "connect probe failed", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		class := ClassifyHTTPStatus(resp.StatusCode, string(body))
		if class != ClassAuthError && class != ClassTimeout {
			class = ClassAuthError
		}
		return ConnectResult{}, &Error{Class: class, Message: "connect rejected", HTTPStatus: resp.StatusCode}
	}

	identity := gjson.GetBytes(body, "display_phone_number").String()
	if identity == "" {
		identity = p.cfg.PhoneNumberID
	}
	if !strings.HasPrefix(identity, "+") {
		identity = "+" + strings.TrimLeft(identity, "+ ")
	}

	p.mu.Lock()
	p.status = StatusConnected
	p.phoneIdentity = identity
	p.mu.Unlock()

	return ConnectResult{Status: StatusConnected, PhoneIdentity: identity}, nil
}

// Disconnect is idempotent; the cloud provider holds no live connection, so it
// only drops its status.
func (p *CloudProvider) Disconnect() error {
	p.mu.Lock()
	p.status = StatusDisconnected
	p.mu.Unlock()
	return nil
}

func (p *CloudProvider) SendText(ctx context.Context, to, text string) (SendResult, error) {
	body, _ := sjson.Set(`{"messaging_product":"whatsapp","recipient_type":"individual","type":"text"}`, "to", strings.TrimPrefix(to, "+"))
	body, _ = sjson.Set(body, "text.body", text)
	return p.post(ctx, body)
}

func (p *CloudProvider) SendTemplate(ctx context.Context, to, name string, params []string, language string) (SendResult, error) {
	if language == "" {
		language = "en"
	}
	body, _ := sjson.Set(`{"messaging_product":"whatsapp","type":"template"}`, "to", strings.TrimPrefix(to, "+"))
	body, _ = sjson.Set(body, "template.name", name)
	body, _ = sjson.Set(body, "template.language.code", language)
	if len(params) > 0 {
		body, _ = sjson.Set(body, "template.components.0.type", "body")
		for i, param := range params {
			body, _ = sjson.Set(body, fmt.Sprintf("template.components.0.parameters.%d.type", i), "text")
			body, _ = sjson.Set(body, fmt.Sprintf("template.components.0.parameters.%d.text", i), param)
		}
	}
	return p.post(ctx, body)
}

func (p *CloudProvider) SendMedia(ctx context.Context, to string, media Media) (SendResult, error) {
	kind := media.Kind
	if kind == "" {
		kind = "document"
	}
	body, _ := sjson.Set(`{"messaging_product":"whatsapp"}`, "to", strings.TrimPrefix(to, "+"))
	body, _ = sjson.Set(body, "type", kind)
	body, _ = sjson.Set(body, kind+".link", media.URL)
	if media.Caption != "" && (kind == "image" || kind == "video" || kind == "document") {
		body, _ = sjson.Set(body, kind+".caption", media.Caption)
	}
	if media.Filename != "" && kind == "document" {
		body, _ = sjson.Set(body, kind+".filename", media.Filename)
	}
	return p.post(ctx, body)
}

func (p *CloudProvider) post(ctx context.Context, body string) (SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/messages", p.cfg.BaseURL, p.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return SendResult{}, WrapError(ClassOther, "build send request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.health.RecordFailure()
		if isTimeout(err) {
			return SendResult{}, WrapError(ClassTimeout, "send timed out", err)
		}
		return SendResult{}, WrapError(ClassOther, "send failed", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.health.RecordFailure()
		class := ClassifyHTTPStatus(resp.StatusCode, string(respBody))
		return SendResult{}, &Error{
			Class:      class,
			Message:    gjson.GetBytes(respBody, "error.message").String(),
			HTTPStatus: resp.StatusCode,
		}
	}

	p.health.RecordSuccess(time.Since(start))
	return SendResult{
		MessageID: gjson.GetBytes(respBody, "messages.0.id").String(),
		Provider:  Cloud,
	}, nil
}

func (p *CloudProvider) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *CloudProvider) PhoneIdentity() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.phoneIdentity
}

func (p *CloudProvider) IsHealthy() bool { return p.health.Ok(p.Status()) }

func (p *CloudProvider) HealthMetrics() HealthSnapshot { return p.health.Snapshot() }

// VerifyToken returns the configured webhook verification token.
func (p *CloudProvider) VerifyToken() string { return p.cfg.VerifyToken }

// MatchesPhoneNumberID reports whether a platform webhook delivery belongs to
// this provider instance.
func (p *CloudProvider) MatchesPhoneNumberID(id string) bool {
	return id != "" && id == p.cfg.PhoneNumberID
}

// HandleWebhook parses a platform webhook delivery and emits the contained
// messages on the sink in delivery order.
func (p *CloudProvider) HandleWebhook(body []byte) {
	entries := gjson.GetBytes(body, "entry")
	entries.ForEach(func(_, entry gjson.Result) bool {
		entry.Get("changes").ForEach(func(_, change gjson.Result) bool {
			value := change.Get("value")
			contacts := value.Get("contacts")
			value.Get("messages").ForEach(func(_, raw gjson.Result) bool {
				msg := p.parseMessage(raw, contacts)
				if msg == nil {
					return true
				}
				p.sink.Inbound(msg)
				return true
			})
			return true
		})
		return true
	})
}

func (p *CloudProvider) parseMessage(raw, contacts gjson.Result) *InboundMessage {
	id := raw.Get("id").String()
	from := raw.Get("from").String()
	if id == "" || from == "" {
		return nil
	}

	kind := MessageKind(raw.Get("type").String())
	content := ""
	isVoice := false
	switch kind {
	case KindText:
		content = raw.Get("text.body").String()
	case KindImage, KindVideo, KindDocument:
		content = raw.Get(string(kind) + ".caption").String()
	case KindAudio:
		if raw.Get("audio.voice").Bool() {
			kind = KindVoice
			isVoice = true
		}
	case KindInteractive:
		content = raw.Get("interactive.button_reply.title").String()
		if content == "" {
			content = raw.Get("interactive.list_reply.title").String()
		}
	case KindLocation, KindContact, KindSticker, KindVoice:
		// no text content
	default:
		if kind == "" {
			kind = KindUnknown
		} else if !knownKind(kind) {
			log.Debugf("cloud: unknown inbound message type %q", kind)
			kind = KindUnknown
		}
	}

	pushName := ""
	contacts.ForEach(func(_, c gjson.Result) bool {
		if c.Get("wa_id").String() == from {
			pushName = c.Get("profile.name").String()
			return false
		}
		return true
	})

	ts := raw.Get("timestamp").Int()
	if ts == 0 {
		ts = time.Now().Unix()
	}

	msg := &InboundMessage{
		Provider:  Cloud,
		TenantID:  p.tenantID,
		MessageID: id,
		From:      from,
		Timestamp: ts,
		Kind:      kind,
		Content:   content,
		PushName:  pushName,
		IsVoice:   isVoice,
	}
	if _, err := strconv.ParseUint(from, 10, 64); err == nil {
		msg.ResolvedPhone = "+" + from
	} else {
		msg.IsOpaqueAddress = true
		msg.OpaqueAddressID = from
	}
	return msg
}

func knownKind(k MessageKind) bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio, KindVoice, KindDocument,
		KindSticker, KindLocation, KindContact, KindInteractive:
		return true
	}
	return false
}
