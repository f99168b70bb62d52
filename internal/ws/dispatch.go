package ws

import (
	"context"
	"errors"

	"github.com/christopherjohns/chatrelay/internal/metrics"
	"github.com/christopherjohns/chatrelay/internal/protocol"
	"github.com/christopherjohns/chatrelay/internal/store"
	"github.com/rs/zerolog"
)

// HistoryClearedText is the system notice broadcast after clear_history.
const HistoryClearedText = "Chat history has been cleared"

// Replies sent to the client when register or login fails.
const (
	errHandleTaken        = "handle already taken"
	errInvalidCredentials = "invalid handle or password"
	errRegisterFailed     = "registration failed"
	errLoginFailed        = "login failed"
)

// Reasons carried in auth_error frames.
const (
	authInvalidToken = "invalid token"
	authUnknownUser  = "unknown user"
	authUserMismatch = "token does not match user"
)

// Authenticator hashes passwords and issues and verifies tokens.
type Authenticator interface {
	Hash(password string) string
	IssueToken(userID int64, handle, displayName string) (string, error)
	VerifyToken(token string) (int64, error)
}

// Broadcaster fans a payload out to every live session.
type Broadcaster interface {
	Broadcast(payload []byte)
}

// Sender receives replies addressed to a single session.
type Sender interface {
	Enqueue(payload []byte)
}

// Dispatcher executes inbound frames.
type Dispatcher struct {
	auth    Authenticator
	store   store.Store
	hub     Broadcaster
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. m may be nil.
func NewDispatcher(a Authenticator, st store.Store, hub Broadcaster, log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		auth:    a,
		store:   st,
		hub:     hub,
		log:     log.With().Str("component", "dispatch").Logger(),
		metrics: m,
	}
}

// Dispatch handles one inbound payload from the session from. Frames that do
// not decode into a known command are broadcast verbatim.
func (d *Dispatcher) Dispatch(ctx context.Context, from Sender, raw []byte) {
	cmd, err := protocol.Decode(raw)
	if err != nil {
		d.log.Debug().Err(err).Msg("relaying unrecognized frame")
		d.metrics.Command("passthrough")
		d.hub.Broadcast(raw)
		return
	}

	switch c := cmd.(type) {
	case *protocol.RegisterRequest:
		d.metrics.Command(string(protocol.TypeRegister))
		from.Enqueue(d.register(ctx, c))
	case *protocol.LoginRequest:
		d.metrics.Command(string(protocol.TypeLogin))
		from.Enqueue(d.login(ctx, c))
	case *protocol.JoinRequest:
		d.metrics.Command(string(protocol.TypeJoin))
		if c.Token != "" {
			if _, ok := d.verify(ctx, from, c.Token, c.User); !ok {
				return
			}
		}
		d.hub.Broadcast(raw)
	case *protocol.MessageRequest:
		d.metrics.Command(string(protocol.TypeMessage))
		if c.Token != "" {
			userID, ok := d.verify(ctx, from, c.Token, c.User)
			if !ok {
				return
			}
			d.save(ctx, userID, c)
		}
		d.hub.Broadcast(raw)
	case *protocol.ClearHistoryRequest:
		d.metrics.Command(string(protocol.TypeClearHistory))
		if err := d.store.ClearMessages(ctx); err != nil {
			d.metrics.StoreError()
			d.log.Error().Err(err).Msg("clear history failed")
			return
		}
		d.log.Info().Msg("chat history cleared")
		d.hub.Broadcast(protocol.NewSystem(HistoryClearedText))
	}
}

func (d *Dispatcher) register(ctx context.Context, c *protocol.RegisterRequest) []byte {
	if err := c.Check(); err != nil {
		d.log.Debug().Err(err).Str("handle", c.Handle).Msg("register rejected")
		return protocol.Failure(protocol.TypeRegister, errRegisterFailed)
	}
	displayName := c.DisplayName
	if displayName == "" {
		displayName = c.Handle
	}

	u, err := d.store.RegisterUser(ctx, c.Handle, displayName, d.auth.Hash(c.Password))
	if errors.Is(err, store.ErrHandleTaken) {
		return protocol.Failure(protocol.TypeRegister, errHandleTaken)
	}
	if err != nil {
		d.metrics.StoreError()
		d.log.Error().Err(err).Str("handle", c.Handle).Msg("register failed")
		return protocol.Failure(protocol.TypeRegister, errRegisterFailed)
	}

	token, err := d.auth.IssueToken(u.ID, u.Handle, u.DisplayName)
	if err != nil {
		d.log.Error().Err(err).Int64("user_id", u.ID).Msg("issue token failed")
		return protocol.Failure(protocol.TypeRegister, errRegisterFailed)
	}
	d.log.Info().Int64("user_id", u.ID).Str("handle", u.Handle).Msg("user registered")
	return protocol.Success(protocol.TypeRegister, token, u.Handle)
}

func (d *Dispatcher) login(ctx context.Context, c *protocol.LoginRequest) []byte {
	u, err := d.store.FindByCredentials(ctx, c.Handle, d.auth.Hash(c.Password))
	if errors.Is(err, store.ErrUserNotFound) {
		return protocol.Failure(protocol.TypeLogin, errInvalidCredentials)
	}
	if err != nil {
		d.metrics.StoreError()
		d.log.Error().Err(err).Str("handle", c.Handle).Msg("login lookup failed")
		return protocol.Failure(protocol.TypeLogin, errLoginFailed)
	}

	token, err := d.auth.IssueToken(u.ID, u.Handle, u.DisplayName)
	if err != nil {
		d.log.Error().Err(err).Int64("user_id", u.ID).Msg("issue token failed")
		return protocol.Failure(protocol.TypeLogin, errLoginFailed)
	}
	return protocol.Success(protocol.TypeLogin, token, u.Handle)
}

// verify checks that token is valid and belongs to the user with handle
// claimed. On failure it replies with auth_error and reports false.
func (d *Dispatcher) verify(ctx context.Context, from Sender, token, claimed string) (int64, bool) {
	userID, err := d.auth.VerifyToken(token)
	if err != nil {
		d.rejectAuth(from, authInvalidToken, err)
		return 0, false
	}
	u, err := d.store.FindByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrUserNotFound) {
			d.metrics.StoreError()
		}
		d.rejectAuth(from, authUnknownUser, err)
		return 0, false
	}
	if u.Handle != claimed {
		d.rejectAuth(from, authUserMismatch, nil)
		return 0, false
	}
	return userID, true
}

func (d *Dispatcher) rejectAuth(from Sender, reason string, err error) {
	d.metrics.AuthFailure()
	d.log.Debug().Err(err).Str("reason", reason).Msg("auth rejected")
	from.Enqueue(protocol.NewAuthError(reason))
}

func (d *Dispatcher) save(ctx context.Context, userID int64, c *protocol.MessageRequest) {
	if err := d.store.SaveMessage(ctx, userID, protocol.EncodeStored(c.User, c.Text)); err != nil {
		d.metrics.StoreError()
		d.log.Error().Err(err).Int64("user_id", userID).Msg("save message failed")
		return
	}
	d.metrics.MessageSaved()
}
