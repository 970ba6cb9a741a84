// Package matrix posts router notices to a Matrix room using mautrix-go.
// The channel only sends; it never syncs or reads room messages.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/neuro/pkg/channel"
)

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver string
	UserID     string // e.g., "neuro"
	Password   string
	ServerName string // e.g., "matrix.example.com"
	RoomID     string // e.g., "!ops:matrix.example.com"
	DataDir    string

	// MaxAttempts bounds password login attempts. Defaults to 10.
	MaxAttempts int
}

// Channel implements channel.Channel for Matrix.
type Channel struct {
	config Config
	mu     sync.Mutex
	client *mautrix.Client
	roomID id.RoomID

	// Persistent state
	credFile string
}

// credentials holds saved Matrix login state.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a new Matrix channel.
func New(cfg Config) *Channel {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Channel{
		config:   cfg,
		roomID:   id.RoomID(cfg.RoomID),
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// Start logs in and joins the notice room.
// Retries login with exponential backoff on failure.
func (c *Channel) Start(ctx context.Context) error {
	if c.config.RoomID == "" {
		return errors.New("matrix: room_id is required")
	}
	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create matrix data dir: %w", err)
	}

	fullUserID := fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)
	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}

	if err := c.loginWithRetry(ctx, client, fullUserID); err != nil {
		return err
	}
	if _, err := client.JoinRoomByID(ctx, c.roomID); err != nil {
		return fmt.Errorf("join matrix room %s: %w", c.roomID, err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	slog.Info("matrix channel ready", "user", client.UserID, "room", c.roomID)
	return nil
}

// loginWithRetry handles Matrix login with exponential backoff.
// Tries saved credentials first, then password login with retry.
func (c *Channel) loginWithRetry(ctx context.Context, client *mautrix.Client, fullUserID string) error {
	if err := c.loadCredentials(client); err == nil {
		slog.Info("loaded saved Matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	maxBackoff := 2 * time.Minute

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		slog.Info("logging into Matrix",
			"user", fullUserID,
			"homeserver", c.config.Homeserver,
			"attempt", attempt,
		)

		resp, err := client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into Matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		if isPermanent(err) {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}
		if attempt == c.config.MaxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, attempt)
		}

		slog.Warn("matrix login failed, retrying",
			"error", err,
			"attempt", attempt,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("matrix login: exhausted retries")
}

func isPermanent(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "M_FORBIDDEN") ||
		strings.Contains(errStr, "M_UNKNOWN_TOKEN") ||
		strings.Contains(errStr, "M_INVALID_PARAM")
}

// Send posts n to the room, splitting long notices.
func (c *Channel) Send(ctx context.Context, n channel.Notice) error {
	const maxLen = 4000

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return errors.New("matrix: channel not started")
	}

	content := format(n)
	chunks := splitMessage(content, maxLen)
	for i, chunk := range chunks {
		prefix := ""
		if len(chunks) > 1 {
			prefix = fmt.Sprintf("[%d/%d] ", i+1, len(chunks))
		}
		if _, err := client.SendText(ctx, c.roomID, prefix+chunk); err != nil {
			slog.Error("matrix send failed", "room", c.roomID, "chunk", i+1, "error", err)
			return fmt.Errorf("matrix send: %w", err)
		}
	}
	slog.Debug("matrix notice sent", "room", c.roomID, "type", n.Type, "chunks", len(chunks))
	return nil
}

// Stop drops the client. Saved credentials are kept for the next start.
func (c *Channel) Stop() error {
	c.mu.Lock()
	c.client = nil
	c.mu.Unlock()
	return nil
}

func format(n channel.Notice) string {
	switch n.Level {
	case "error":
		return "[ERROR] " + n.Content
	case "warn":
		return "[WARN] " + n.Content
	default:
		return n.Content
	}
}

// --- Credentials ---

func (c *Channel) loadCredentials(client *mautrix.Client) error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	client.AccessToken = creds.AccessToken
	client.UserID = id.UserID(creds.UserID)
	client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(c.credFile, data, 0o600); err != nil {
		slog.Warn("save matrix credentials", "path", c.credFile, "error", err)
	}
}

// --- Helpers ---

func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		chunks = append(chunks, s[:maxLen])
		s = s[maxLen:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
