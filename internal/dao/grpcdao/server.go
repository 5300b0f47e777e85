package grpcdao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	_ "github.com/ChuLiYu/beaver-scheduler/pkg/trigger" // built-in trigger kinds
)

// Server serves a local DAO to remote PersistentStores. The backend stays
// owned by the caller; remote clients never close it.
type Server struct {
	dao jobstore.DAO
	log zerolog.Logger
}

// NewServer wraps dao.
func NewServer(dao jobstore.DAO, log zerolog.Logger) *Server {
	return &Server{dao: dao, log: log.With().Str("component", "grpcdao_server").Logger()}
}

// Register attaches the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

func (s *Server) handle(ctx context.Context, method string, req []byte) ([]byte, error) {
	start := time.Now()
	out, err := s.dispatch(ctx, method, req)
	if err != nil {
		st := toStatus(err)
		ev := s.log.Debug()
		if st.Code() == codes.Internal {
			ev = s.log.Error()
		}
		ev.Err(err).Str("method", method).Str("code", st.Code().String()).Dur("took", time.Since(start)).Msg("dao call failed")
		return nil, st.Err()
	}
	return out, nil
}

func (s *Server) dispatch(ctx context.Context, method string, raw []byte) ([]byte, error) {
	switch method {
	case methodRegisterScheduler:
		var req schedulerRequest
		if err := decodeRequest(raw, &req); err != nil {
			return nil, err
		}
		return reply(empty{}, s.dao.RegisterScheduler(ctx, req.Cluster, req.ID, req.Name, req.Expires))

	case methodUnregisterScheduler:
		var req schedulerRequest
		if err := decodeRequest(raw, &req); err != nil {
			return nil, err
		}
		return reply(empty{}, s.dao.UnregisterScheduler(ctx, req.Cluster, req.ID, req.Now))

	case methodOrphanRunningJobs:
		var req schedulerRequest
		if err := decodeRequest(raw, &req); err != nil {
			return nil, err
		}
		n, err := s.dao.OrphanRunningJobs(ctx, req.Cluster, req.ID, req.Now)
		return reply(countResponse{Count: n}, err)

	case methodCreateJob:
		var req createRequest
		if err := decodeRequest(raw, &req); err != nil {
			return nil, err
		}
		created, err := s.dao.CreateJob(ctx, req.Cluster, req.Spec, req.CreationTime, req.Action)
		return reply(boolResponse{Value: created}, err)

	case methodUpdateJob:
		var req updateRequest
		if err := decodeRequest(raw, &req); err != nil {
			return nil, err
		}
		return reply(empty{}, s.dao.UpdateJob(ctx, req.Cluster, req.ExistingName, req.Spec))

	case methodDeleteJob:
		var req jobRequest
		if err := decodeRequest(raw, &req); err != nil {
			return nil, err
		}
		deleted, err := s.dao.DeleteJob(ctx, req.Cluster, req.Name)
		return reply(boolResponse{Value: deleted}, err)

	case methodGetJobDetails:
		var req jobRequest
		if err := decodeRequest(raw, &req); err != nil {
			return nil, err
		}
		d, err := s.dao.GetJobDetails(ctx, req.Cluster, req.Name)
		return reply(jobResponse{Details: d}, err)

	case methodSaveJobDetails:
		var req saveRequest
		if err := decodeRequest(raw, &req); err != nil {
			return nil, err
		}
		if err := s.dao.SaveJobDetails(ctx, req.Cluster, req.Details); err != nil {
			return nil, err
		}
		return reply(versionResponse{Version: req.Details.Version}, nil)

	case methodListJobNames:
		var req jobRequest
		if err := decodeRequest(raw, &req); err != nil {
			return nil, err
		}
		names, err := s.dao.ListJobNames(ctx, req.Cluster)
		return reply(namesResponse{Names: names}, err)

	case methodGetNextJob:
		var req nextRequest
		if err := decodeRequest(raw, &req); err != nil {
			return nil, err
		}
		d, wake, err := s.dao.GetNextJobToProcess(ctx, req.Cluster, req.SchedulerID, req.Now)
		return reply(jobResponse{Details: d, Wake: wake}, err)
	}
	return nil, status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

func decodeRequest(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode request: %v", jobstore.ErrInvalidArgument, err)
	}
	return nil
}

func reply(v any, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// toStatus maps a DAO error onto a gRPC status.
func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, jobstore.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, jobstore.ErrConcurrentModification):
		code = codes.Aborted
	case errors.Is(err, jobstore.ErrJobExists):
		code = codes.AlreadyExists
	case errors.Is(err, jobstore.ErrJobNotFound):
		code = codes.NotFound
	case errors.Is(err, jobstore.ErrState):
		code = codes.FailedPrecondition
	default:
		code = codes.Internal
	}
	return status.New(code, err.Error())
}
