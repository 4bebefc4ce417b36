package sshproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/sessiond/internal/events"
	"github.com/gluk-w/claworc/sessiond/internal/sessionerr"
	"github.com/gluk-w/claworc/sessiond/internal/transport"
)

const (
	// MaxInteractiveAttempts is the number of prompt rounds allowed per
	// authentication id before it fails for good.
	MaxInteractiveAttempts = 5

	// DefaultInteractiveTimeout bounds the wait for a user response.
	DefaultInteractiveTimeout = 5 * time.Minute
)

// round is one outstanding prompt.
type round struct {
	answers chan []string
	cancel  chan struct{}
	once    sync.Once
}

func (r *round) abort() {
	r.once.Do(func() { close(r.cancel) })
}

// Authenticator runs the keyboard-interactive prompt machine. Prompts are
// forwarded to the event sink and answered through Respond or Cancel. Each
// authentication id has its own attempt counter, outstanding round, and
// pending verdict.
type Authenticator struct {
	sink    events.Sink
	timeout time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	attempts map[string]int
	rounds   map[string]*round
	pending  map[string]bool
	terminal map[string]error
	answered map[string][][]string

	// cache holds fernet tokens of verified answers, read by the probe.
	key   *fernet.Key
	cache map[string]cachedAnswers
}

type cachedAnswers struct {
	token  []byte
	sealed time.Time
}

// NewAuthenticator creates an Authenticator. A zero timeout selects
// DefaultInteractiveTimeout.
func NewAuthenticator(sink events.Sink, timeout time.Duration) *Authenticator {
	if sink == nil {
		sink = events.Discard
	}
	if timeout <= 0 {
		timeout = DefaultInteractiveTimeout
	}
	a := &Authenticator{
		sink:     sink,
		timeout:  timeout,
		log:      log.With().Str("component", "mfa").Logger(),
		attempts: make(map[string]int),
		rounds:   make(map[string]*round),
		pending:  make(map[string]bool),
		terminal: make(map[string]error),
		answered: make(map[string][][]string),
		cache:    make(map[string]cachedAnswers),
	}
	var k fernet.Key
	if err := k.Generate(); err != nil {
		a.log.Warn().Err(err).Msg("credential cache disabled")
	} else {
		a.key = &k
	}
	return a
}

// begin resets the per-connect state for id. The attempt counter survives
// so retries of the same connect share the ceiling.
func (a *Authenticator) begin(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.terminal, id)
	delete(a.answered, id)
	delete(a.pending, id)
}

// Prompter returns the transport callback answering prompts for id.
func (a *Authenticator) Prompter(ctx context.Context, id string) transport.InteractiveFunc {
	return func(name, instruction string, prompts []transport.Prompt) ([]string, error) {
		return a.prompt(ctx, id, prompts)
	}
}

func (a *Authenticator) prompt(ctx context.Context, id string, prompts []transport.Prompt) ([]string, error) {
	a.mu.Lock()
	if a.pending[id] {
		// The server asked again, so the previous answer was rejected.
		a.pending[id] = false
		n := a.attempts[id]
		a.mu.Unlock()
		a.sink.Publish(events.Event{Type: events.AuthResult, ID: id, Payload: events.AuthStatus{Status: "failed", Attempts: n}})
		a.mu.Lock()
	}

	if n := a.attempts[id]; n >= MaxInteractiveAttempts {
		delete(a.attempts, id)
		err := sessionerr.New(sessionerr.AuthenticationFailure, "interactive", "maximum authentication attempts reached")
		a.terminal[id] = err
		a.mu.Unlock()
		a.log.Warn().Str("id", id).Int("attempts", n).Msg("interactive authentication exhausted")
		a.sink.Publish(events.Event{Type: events.AuthResult, ID: id, Payload: events.AuthStatus{Status: "failed", Attempts: n, Final: true}})
		return nil, err
	}

	a.attempts[id]++
	r := &round{answers: make(chan []string, 1), cancel: make(chan struct{})}
	if old := a.rounds[id]; old != nil {
		old.abort()
	}
	a.rounds[id] = r
	a.mu.Unlock()

	texts := make([]string, len(prompts))
	for i, p := range prompts {
		texts[i] = p.Text
	}
	a.sink.Publish(events.Event{Type: events.AuthPrompt, ID: id, Payload: events.Prompt{Prompts: texts}})

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	var fail error
	select {
	case answers := <-r.answers:
		a.mu.Lock()
		if a.rounds[id] == r {
			delete(a.rounds, id)
		}
		a.pending[id] = true
		a.answered[id] = append(a.answered[id], answers)
		a.mu.Unlock()
		return pad(answers, len(prompts)), nil
	case <-r.cancel:
		fail = sessionerr.New(sessionerr.AuthenticationCancelled, "interactive", "authentication cancelled")
	case <-timer.C:
		fail = sessionerr.New(sessionerr.AuthenticationTimeout, "interactive", "authentication timed out, please try connecting again")
		a.sink.Publish(events.Event{Type: events.AuthTimeout, ID: id})
	case <-ctx.Done():
		fail = sessionerr.Wrapf(sessionerr.AuthenticationCancelled, "interactive", "authentication aborted", ctx.Err())
	}

	a.mu.Lock()
	if a.rounds[id] == r {
		delete(a.rounds, id)
	}
	delete(a.attempts, id)
	a.terminal[id] = fail
	a.mu.Unlock()
	a.log.Info().Str("id", id).Str("reason", sessionerr.KindOf(fail).String()).Msg("interactive authentication aborted")
	return nil, fail
}

// pad sizes answers to the number of questions the server asked.
func pad(answers []string, n int) []string {
	out := make([]string, n)
	copy(out, answers)
	return out
}

// Respond answers the outstanding prompt for id.
func (a *Authenticator) Respond(id string, answers []string) error {
	a.mu.Lock()
	r := a.rounds[id]
	a.mu.Unlock()
	if r == nil {
		return sessionerr.New(sessionerr.NotFound, "interactive", fmt.Sprintf("no pending prompt for %s", id))
	}
	select {
	case r.answers <- answers:
		return nil
	default:
		return sessionerr.New(sessionerr.InvalidRequest, "interactive", "prompt already answered")
	}
}

// Cancel aborts the outstanding prompt for id. It reports whether a prompt
// was waiting.
func (a *Authenticator) Cancel(id string) bool {
	a.mu.Lock()
	r := a.rounds[id]
	a.mu.Unlock()
	if r == nil {
		return false
	}
	r.abort()
	return true
}

// Resolve reports the connection verdict after a response. It publishes
// the result once per answered round; calls with no pending answer are
// ignored. On success the answers are sealed into the credential cache.
func (a *Authenticator) Resolve(id string, verified bool) {
	a.mu.Lock()
	if !a.pending[id] {
		a.mu.Unlock()
		return
	}
	a.pending[id] = false
	n := a.attempts[id]
	answers := a.answered[id]
	if verified {
		delete(a.attempts, id)
		a.seal(id, answers)
	}
	a.mu.Unlock()

	if verified {
		a.sink.Publish(events.Event{Type: events.AuthResult, ID: id, Payload: events.AuthStatus{Status: "success"}})
		return
	}
	a.sink.Publish(events.Event{Type: events.AuthResult, ID: id, Payload: events.AuthStatus{Status: "failed", Attempts: n}})
}

// reject records that the server refused the answered round for id. Once
// the attempt budget is spent it publishes the final failure and returns
// the terminal error.
func (a *Authenticator) reject(id string) error {
	a.mu.Lock()
	n := a.attempts[id]
	if n < MaxInteractiveAttempts {
		a.mu.Unlock()
		a.Resolve(id, false)
		return nil
	}
	a.pending[id] = false
	delete(a.attempts, id)
	err := sessionerr.New(sessionerr.AuthenticationFailure, "interactive", "maximum authentication attempts reached")
	a.terminal[id] = err
	a.mu.Unlock()
	a.log.Warn().Str("id", id).Int("attempts", n).Msg("interactive authentication exhausted")
	a.sink.Publish(events.Event{Type: events.AuthResult, ID: id, Payload: events.AuthStatus{Status: "failed", Attempts: n, Final: true}})
	return err
}

// Attempts returns the prompt rounds counted for id.
func (a *Authenticator) Attempts(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts[id]
}

// Prompted reports whether id answered at least one round in the current
// connect.
func (a *Authenticator) Prompted(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.answered[id]) > 0
}

// Terminal returns the error that ended interactive authentication for id
// for good, if any.
func (a *Authenticator) Terminal(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminal[id]
}

// Forget drops all state kept for id.
func (a *Authenticator) Forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r := a.rounds[id]; r != nil {
		r.abort()
	}
	delete(a.rounds, id)
	delete(a.attempts, id)
	delete(a.pending, id)
	delete(a.terminal, id)
	delete(a.answered, id)
	delete(a.cache, id)
}

// seal stores answers for id. Caller holds a.mu.
func (a *Authenticator) seal(id string, answers [][]string) {
	if a.key == nil || len(answers) == 0 {
		return
	}
	plain, err := json.Marshal(answers)
	if err != nil {
		return
	}
	tok, err := fernet.EncryptAndSign(plain, a.key)
	if err != nil {
		a.log.Warn().Err(err).Msg("seal interactive answers")
		return
	}
	a.cache[id] = cachedAnswers{token: tok, sealed: time.Now()}
}

// cached returns the verified answers for id. Tokens older than the prompt
// timeout no longer verify.
func (a *Authenticator) cached(id string) [][]string {
	a.mu.Lock()
	c, ok := a.cache[id]
	a.mu.Unlock()
	if !ok || a.key == nil {
		return nil
	}
	plain := fernet.VerifyAndDecrypt(c.token, a.timeout, []*fernet.Key{a.key})
	if plain == nil {
		return nil
	}
	var answers [][]string
	if err := json.Unmarshal(plain, &answers); err != nil {
		return nil
	}
	return answers
}

// HasCached reports whether verified answers are cached for id.
func (a *Authenticator) HasCached(id string) bool {
	return a.cached(id) != nil
}

// DropCached removes the cached answers for id.
func (a *Authenticator) DropCached(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cache, id)
}

// expire drops cache entries older than the prompt timeout and returns how
// many were removed.
func (a *Authenticator) expire(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, c := range a.cache {
		if now.Sub(c.sealed) > a.timeout {
			delete(a.cache, id)
			n++
		}
	}
	return n
}

// Replayer answers prompts from the cache without involving the user. Round
// i is answered with cached round i; rounds beyond the cache get empty
// answers.
func (a *Authenticator) Replayer(id string) transport.InteractiveFunc {
	var mu sync.Mutex
	i := 0
	return func(name, instruction string, prompts []transport.Prompt) ([]string, error) {
		answers := a.cached(id)
		mu.Lock()
		n := i
		i++
		mu.Unlock()
		if n < len(answers) {
			return pad(answers[n], len(prompts)), nil
		}
		return pad(nil, len(prompts)), nil
	}
}

// promptSummary joins prompt texts for logging.
func promptSummary(prompts []transport.Prompt) string {
	parts := make([]string, len(prompts))
	for i, p := range prompts {
		parts[i] = strings.TrimSpace(p.Text)
	}
	return strings.Join(parts, " | ")
}
