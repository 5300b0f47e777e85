package grpcdao

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

const (
	defaultMaxRetries      = 3
	defaultInitialInterval = 100 * time.Millisecond
)

// Client is a jobstore.DAO that forwards every call to a remote Server.
type Client struct {
	conn *grpc.ClientConn
	log  zerolog.Logger

	maxRetries      uint64
	initialInterval time.Duration

	mu     sync.Mutex
	closed bool
}

var _ jobstore.DAO = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	log             zerolog.Logger
	maxRetries      uint64
	initialInterval time.Duration
	dialOpts        []grpc.DialOption
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *clientConfig) { c.log = l }
}

// WithRetry sets how often idempotent calls are retried while the server
// is unavailable. Zero disables retries.
func WithRetry(maxRetries uint64, initialInterval time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.maxRetries = maxRetries
		if initialInterval > 0 {
			c.initialInterval = initialInterval
		}
	}
}

// WithDialOptions appends raw gRPC dial options, e.g. a context dialer.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *clientConfig) { c.dialOpts = append(c.dialOpts, opts...) }
}

// NewClient creates a client for target. The connection is established
// lazily on the first call. Transport security defaults to insecure;
// pass credentials through WithDialOptions to override it.
func NewClient(target string, opts ...ClientOption) (*Client, error) {
	cfg := clientConfig{
		log:             zerolog.Nop(),
		maxRetries:      defaultMaxRetries,
		initialInterval: defaultInitialInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, cfg.dialOpts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpcdao: dial %s: %w", target, err)
	}
	return &Client{
		conn:            conn,
		log:             cfg.log.With().Str("component", "grpcdao_client").Str("target", target).Logger(),
		maxRetries:      cfg.maxRetries,
		initialInterval: cfg.initialInterval,
	}, nil
}

// invoke sends req and decodes the response into resp. Idempotent calls
// are retried with exponential backoff while the server is unavailable.
func (c *Client) invoke(ctx context.Context, method string, idempotent bool, req, resp any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return jobstore.ErrClosed
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encode %s request: %v", jobstore.ErrInvalidArgument, method, err)
	}
	in := wrapperspb.Bytes(payload)
	out := new(wrapperspb.BytesValue)
	fullMethod := "/" + ServiceName + "/" + method

	call := func() error {
		err := c.conn.Invoke(ctx, fullMethod, in, out)
		if err == nil {
			return nil
		}
		if idempotent && status.Code(err) == codes.Unavailable && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if idempotent && c.maxRetries > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = c.initialInterval
		policy = backoff.WithMaxRetries(exp, c.maxRetries)
	}
	err = backoff.RetryNotify(call, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		c.log.Debug().Err(err).Str("method", method).Dur("wait", wait).Msg("dao server unavailable; retrying")
	})
	if err != nil {
		return fromStatus(method, err)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(out.GetValue(), resp); err != nil {
		return fmt.Errorf("grpcdao: decode %s response: %w", method, err)
	}
	return nil
}

// remoteError carries the server's message and the sentinel its code maps
// to, so errors.Is works on the client side.
type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

func fromStatus(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("grpcdao: %s: %w", method, err)
	}
	var sentinel error
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.InvalidArgument:
		sentinel = jobstore.ErrInvalidArgument
	case codes.Aborted:
		sentinel = jobstore.ErrConcurrentModification
	case codes.AlreadyExists:
		sentinel = jobstore.ErrJobExists
	case codes.NotFound:
		sentinel = jobstore.ErrJobNotFound
	case codes.FailedPrecondition:
		sentinel = jobstore.ErrJobNameInUse
	default:
		return fmt.Errorf("grpcdao: %s: %w", method, err)
	}
	return &remoteError{sentinel: sentinel, msg: st.Message()}
}

// ---- jobstore.DAO ----

func (c *Client) RegisterScheduler(ctx context.Context, cluster string, id uuid.UUID, name string, expires time.Time) error {
	req := schedulerRequest{Cluster: cluster, ID: id, Name: name, Expires: expires}
	return c.invoke(ctx, methodRegisterScheduler, true, req, nil)
}

func (c *Client) UnregisterScheduler(ctx context.Context, cluster string, id uuid.UUID, now time.Time) error {
	req := schedulerRequest{Cluster: cluster, ID: id, Now: now}
	return c.invoke(ctx, methodUnregisterScheduler, true, req, nil)
}

func (c *Client) OrphanRunningJobs(ctx context.Context, cluster string, id uuid.UUID, now time.Time) (int, error) {
	var resp countResponse
	err := c.invoke(ctx, methodOrphanRunningJobs, true, schedulerRequest{Cluster: cluster, ID: id, Now: now}, &resp)
	return resp.Count, err
}

func (c *Client) CreateJob(ctx context.Context, cluster string, spec *types.JobSpec, creationTime time.Time, action types.CreateJobConflictAction) (bool, error) {
	var resp boolResponse
	req := createRequest{Cluster: cluster, Spec: spec, CreationTime: creationTime, Action: action}
	err := c.invoke(ctx, methodCreateJob, false, req, &resp)
	return resp.Value, err
}

func (c *Client) UpdateJob(ctx context.Context, cluster, existingName string, spec *types.JobSpec) error {
	req := updateRequest{Cluster: cluster, ExistingName: existingName, Spec: spec}
	return c.invoke(ctx, methodUpdateJob, false, req, nil)
}

func (c *Client) DeleteJob(ctx context.Context, cluster, name string) (bool, error) {
	var resp boolResponse
	err := c.invoke(ctx, methodDeleteJob, false, jobRequest{Cluster: cluster, Name: name}, &resp)
	return resp.Value, err
}

func (c *Client) GetJobDetails(ctx context.Context, cluster, name string) (*types.JobDetails, error) {
	var resp jobResponse
	if err := c.invoke(ctx, methodGetJobDetails, true, jobRequest{Cluster: cluster, Name: name}, &resp); err != nil {
		return nil, err
	}
	return resp.Details, nil
}

// SaveJobDetails stores the version assigned by the server back into
// details.
func (c *Client) SaveJobDetails(ctx context.Context, cluster string, details *types.JobDetails) error {
	var resp versionResponse
	if err := c.invoke(ctx, methodSaveJobDetails, false, saveRequest{Cluster: cluster, Details: details}, &resp); err != nil {
		return err
	}
	details.Version = resp.Version
	return nil
}

func (c *Client) ListJobNames(ctx context.Context, cluster string) ([]string, error) {
	var resp namesResponse
	if err := c.invoke(ctx, methodListJobNames, true, jobRequest{Cluster: cluster}, &resp); err != nil {
		return nil, err
	}
	if resp.Names == nil {
		resp.Names = []string{}
	}
	return resp.Names, nil
}

func (c *Client) GetNextJobToProcess(ctx context.Context, cluster string, schedulerID uuid.UUID, now time.Time) (*types.JobDetails, *time.Time, error) {
	var resp jobResponse
	if err := c.invoke(ctx, methodGetNextJob, false, nextRequest{Cluster: cluster, SchedulerID: schedulerID, Now: now}, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Details, resp.Wake, nil
}

// Close tears down the connection. The remote backend stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
