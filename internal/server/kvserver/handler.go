package kvserver

import (
	"context"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/yndnr/securekv/internal/core/domain"
	"github.com/yndnr/securekv/internal/core/service"
	"github.com/yndnr/securekv/internal/telemetry/logger"
	"github.com/yndnr/securekv/internal/telemetry/metric"
)

// Dispatcher runs one command for a session. *service.Dispatcher
// implements it.
type Dispatcher interface {
	Handle(ctx context.Context, sess *service.Session, cmd domain.Command) (*service.Result, error)
}

// CommandHandler turns request lines into responses. It logs through the
// logger carried on the request context.
type CommandHandler struct {
	dispatcher Dispatcher
	auth       *service.Authorizer
	metrics    *metric.Registry
}

// NewCommandHandler creates a handler. LOGIN is answered by auth.
func NewCommandHandler(d Dispatcher, auth *service.Authorizer, metrics *metric.Registry) *CommandHandler {
	return &CommandHandler{dispatcher: d, auth: auth, metrics: metrics}
}

// newLimiter returns a per-session limiter allowing perSecond commands
// with an equal burst, or nil when limiting is off.
func newLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// Handle processes one request line.
func (h *CommandHandler) Handle(ctx context.Context, sess *service.Session, limiter *rate.Limiter, line []byte) Response {
	cmd, err := ParseCommand(line)
	if err != nil {
		logger.L(ctx).Debug("rejected request",
			"command", cmd.Name,
			"code", domain.GetErrorCode(err),
		)
		return Failure(cmd.Name, err)
	}

	if limiter != nil && !limiter.Allow() {
		h.metrics.RateLimitHit()
		return Failure(cmd.Name, domain.ErrRateLimited)
	}

	cmd.ID = ulid.Make().String()
	ctx = logger.WithRequestID(ctx, cmd.ID)

	if cmd.Op == domain.OpLogin {
		return h.login(ctx, sess, cmd)
	}
	if !sess.LoggedIn() {
		return Failure(cmd.Name, domain.ErrLoginRequired)
	}

	res, err := h.dispatcher.Handle(ctx, sess, cmd)
	if err != nil {
		level := slog.LevelDebug
		if serverFault(err) {
			level = slog.LevelWarn
		}
		logger.L(ctx).Log(ctx, level, "command failed",
			"command", cmd.Name,
			"error", err,
		)
		return Failure(cmd.Name, err)
	}
	return Success(cmd.Name, res)
}

// login handles {"cmd":"login","args":{"k":user,"v":password}}. It runs
// outside the serializer since it touches no table.
func (h *CommandHandler) login(ctx context.Context, sess *service.Session, cmd domain.Command) Response {
	if err := h.auth.Login(sess, cmd.Args.Key, cmd.Args.Value); err != nil {
		h.metrics.AuthFailed()
		logger.L(ctx).Warn("login failed",
			"user", cmd.Args.Key,
			"code", domain.GetErrorCode(err),
		)
		return Failure(cmd.Name, err)
	}
	logger.L(ctx).Info("logged in", "user", sess.User())
	return Success(cmd.Name, &service.Result{Data: "logged in as " + sess.User()})
}

// serverFault reports whether err is a 5xxx-class code or not a domain
// error at all.
func serverFault(err error) bool {
	code := domain.GetErrorCode(err)
	i := strings.LastIndexByte(code, '-')
	return i < 0 || i+1 >= len(code) || code[i+1] == '5'
}
