// Package setup drives first-time account setup for the selected server:
// registering a new account in the background, or saving a key the user
// already has.
package setup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/keyprov/internal/keystore"
	"github.com/jmerrifield20/keyprov/internal/servers"
	"github.com/jmerrifield20/keyprov/pkg/client"
	"github.com/jmerrifield20/keyprov/pkg/secretkey"
	"go.uber.org/zap"
)

// User-facing messages.
const (
	SuccessMessage      = "New account registered.\nPlease keep a copy of your secret key in case you need to reset your client, or to use it on another PC."
	CancelledMessage    = "Registration was cancelled."
	MultipleKeysMessage = "Character has multiple secret keys stored. Check the key list."
	OAuth2Message       = "This server uses OAuth2. Log in through the browser instead of registering a secret key."
	SaveFailedMessage   = "New account registered, but the secret key could not be saved.\nCopy it now. It cannot be recovered from the server."
	StoreErrorMessage   = "The stored secret keys could not be read. Check the key file and its passphrase."
)

var (
	// ErrBusy is returned by Start while a registration is running or after
	// one has succeeded.
	ErrBusy = errors.New("registration already in progress or completed")
	// ErrOAuth2Selected is returned when the selected server authenticates
	// with OAuth2 instead of secret keys.
	ErrOAuth2Selected = errors.New("server is configured for oauth2 login")
	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("setup session is closed")
)

// State is the registration state shown to the user.
type State int

const (
	Idle State = iota
	InProgress
	Succeeded
	Failed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InProgress:
		return "in-progress"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Registrar creates accounts. *client.Client satisfies it.
type Registrar interface {
	Register(ctx context.Context, serverAddress string) (*client.Outcome, error)
}

// Snapshot is a point-in-time copy of the session.
type Snapshot struct {
	State     State
	Server    string
	Message   string
	UID       string
	SecretKey secretkey.Secret
	// Err is the underlying error of a failed registration or key save.
	Err error
}

// Session tracks one setup run for one character. It is safe for concurrent
// use; the registration itself runs on a goroutine owned by the session.
type Session struct {
	registrar Registrar
	servers   *servers.Manager
	store     keystore.Store
	character string
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	snap   Snapshot
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// New creates an idle Session.
func New(reg Registrar, srv *servers.Manager, store keystore.Store, character string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		registrar: reg,
		servers:   srv,
		store:     store,
		character: character,
		logger:    logger.With(zap.String("character", character)),
		now:       time.Now,
	}
}

// Start begins registering against the current server and returns at once.
// The registration is bound to a context derived from ctx that Close
// cancels. Use Wait or Snapshot to observe the result.
func (s *Session) Start(ctx context.Context) error {
	server, _ := s.servers.Current()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.snap.State == InProgress || s.snap.State == Succeeded {
		return ErrBusy
	}
	if server.UseOAuth2 {
		return fmt.Errorf("%w: %s", ErrOAuth2Selected, server.Name)
	}
	// An account cannot be removed once created, so the key file must be
	// readable before anything is sent.
	if _, err := s.store.Lookup(ctx, server.Name, s.character); err != nil && !errors.Is(err, keystore.ErrNotFound) {
		msg := StoreErrorMessage
		if errors.Is(err, keystore.ErrMultipleKeys) {
			msg = MultipleKeysMessage
		}
		s.snap = Snapshot{State: Failed, Server: server.Name, Message: msg, Err: err}
		s.logger.Warn("key store check failed", zap.Error(err))
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.snap = Snapshot{State: InProgress, Server: server.Name}

	s.logger.Info("starting registration", zap.String("server", server.Name))
	go s.run(runCtx, cancel, server, s.done)
	return nil
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, server servers.Server, done chan struct{}) {
	defer close(done)
	defer cancel()

	out, err := s.registrar.Register(ctx, server.APIURL)
	snap := Snapshot{Server: server.Name, Err: err}
	if err == nil && out.Success {
		snap.State = Succeeded
		snap.Message = SuccessMessage
		snap.UID = out.UID
		snap.SecretKey = out.SecretKey
	} else {
		snap.State = Failed
		snap.Message = FailureMessage(out, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("discarding registration result after close", zap.Stringer("state", snap.State))
		return
	}
	if snap.State == Failed {
		s.logger.Warn("registration failed", zap.String("message", snap.Message), zap.Error(err))
		s.snap = snap
		s.mu.Unlock()
		return
	}
	entry := keystore.Entry{
		Server:       server.Name,
		Character:    s.character,
		FriendlyName: keystore.FriendlyName(s.now()),
		Key:          snap.SecretKey,
		UID:          snap.UID,
	}
	s.mu.Unlock()

	// The state stays InProgress while the key is written, so Start and
	// SaveManualKey still report busy.
	if _, saveErr := s.store.Save(context.WithoutCancel(ctx), entry); saveErr != nil {
		s.logger.Error("store registered key", zap.String("uid", snap.UID), zap.Error(saveErr))
		snap.Message = SaveFailedMessage
		snap.Err = fmt.Errorf("store registered key: %w", saveErr)
	}
	s.logger.Info("registration succeeded", zap.String("uid", snap.UID))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Debug("session closed while storing registered key")
		return
	}
	s.snap = snap
}

// FailureMessage returns the short text to show for a failed registration.
// Only a message the server chose to send is passed through; transport
// errors and HTTP error bodies stay in err.
func FailureMessage(out *client.Outcome, err error) string {
	if errors.Is(err, client.ErrCancelled) {
		return CancelledMessage
	}
	var rej *client.RejectionError
	if errors.As(err, &rej) {
		if rej.StatusCode < 200 || rej.StatusCode > 299 {
			return fmt.Sprintf("%s\nThe server responded with status %d.", client.GenericFailureMessage, rej.StatusCode)
		}
		if out != nil && out.ErrorMessage != "" {
			return out.ErrorMessage
		}
	}
	return client.GenericFailureMessage
}

// Wait blocks until the running registration finishes, ctx ends, or there
// is nothing running, and returns the latest snapshot.
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		}
	}
	return s.Snapshot(), nil
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// SaveManualKey validates key and stores it for the current server and
// character, replacing a single existing key.
func (s *Session) SaveManualKey(ctx context.Context, key string) (keystore.Entry, error) {
	if err := secretkey.Validate(key); err != nil {
		return keystore.Entry{}, err
	}
	server, _ := s.servers.Current()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return keystore.Entry{}, ErrSessionClosed
	}
	if s.snap.State == InProgress {
		return keystore.Entry{}, ErrBusy
	}
	e, err := s.store.Save(ctx, keystore.Entry{
		Server:       server.Name,
		Character:    s.character,
		FriendlyName: keystore.FriendlyName(s.now()),
		Key:          secretkey.Secret(key),
	})
	if err != nil {
		return keystore.Entry{}, err
	}
	s.logger.Info("manual secret key saved", zap.String("server", server.Name))
	return e, nil
}

// Close cancels a running registration and waits for it to stop. Results
// that arrive afterwards are discarded. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
