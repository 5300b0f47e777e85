// ============================================================================
// Beaver Scheduler - Remote DAO Service
// ============================================================================
//
// Package: internal/dao/grpcdao
// File: service.go
// Purpose: gRPC service that exposes a jobstore.DAO to remote schedulers.
//
// Wire format:
//   Every method is unary and takes and returns a
//   google.protobuf.BytesValue whose payload is the JSON encoding of the
//   request and response structs below. Job records travel in the same
//   JSON form the file backend writes to disk, so triggers round-trip
//   through their registered kinds.
//
// Error mapping:
//   ErrInvalidArgument        -> InvalidArgument
//   ErrConcurrentModification -> Aborted
//   ErrJobExists              -> AlreadyExists
//   ErrJobNotFound            -> NotFound
//   other ErrState            -> FailedPrecondition
//   context errors            -> Canceled / DeadlineExceeded
//   anything else             -> Internal
//
// ============================================================================

package grpcdao

import (
	"context"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "beaver.scheduler.v1.JobStoreDAO"

const (
	methodRegisterScheduler   = "RegisterScheduler"
	methodUnregisterScheduler = "UnregisterScheduler"
	methodOrphanRunningJobs   = "OrphanRunningJobs"
	methodCreateJob           = "CreateJob"
	methodUpdateJob           = "UpdateJob"
	methodDeleteJob           = "DeleteJob"
	methodGetJobDetails       = "GetJobDetails"
	methodSaveJobDetails      = "SaveJobDetails"
	methodListJobNames        = "ListJobNames"
	methodGetNextJob          = "GetNextJobToProcess"
)

// handler is implemented by Server. Payloads are raw JSON.
type handler interface {
	handle(ctx context.Context, method string, req []byte) ([]byte, error)
}

func unaryMethod(name string) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(wrapperspb.BytesValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				out, err := srv.(handler).handle(ctx, name, req.(*wrapperspb.BytesValue).GetValue())
				if err != nil {
					return nil, err
				}
				return wrapperspb.Bytes(out), nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, call)
		},
	}
}

// ServiceDesc describes the JobStoreDAO service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*handler)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodRegisterScheduler),
		unaryMethod(methodUnregisterScheduler),
		unaryMethod(methodOrphanRunningJobs),
		unaryMethod(methodCreateJob),
		unaryMethod(methodUpdateJob),
		unaryMethod(methodDeleteJob),
		unaryMethod(methodGetJobDetails),
		unaryMethod(methodSaveJobDetails),
		unaryMethod(methodListJobNames),
		unaryMethod(methodGetNextJob),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaver/scheduler/v1/dao.proto",
}

// ---- messages ----

type schedulerRequest struct {
	Cluster string    `json:"cluster"`
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
	Now     time.Time `json:"now,omitempty"`
}

type createRequest struct {
	Cluster      string                        `json:"cluster"`
	Spec         *types.JobSpec                `json:"spec"`
	CreationTime time.Time                     `json:"creation_time"`
	Action       types.CreateJobConflictAction `json:"action"`
}

type updateRequest struct {
	Cluster      string         `json:"cluster"`
	ExistingName string         `json:"existing_name"`
	Spec         *types.JobSpec `json:"spec"`
}

type jobRequest struct {
	Cluster string `json:"cluster"`
	Name    string `json:"name,omitempty"`
}

type saveRequest struct {
	Cluster string            `json:"cluster"`
	Details *types.JobDetails `json:"details"`
}

type nextRequest struct {
	Cluster     string    `json:"cluster"`
	SchedulerID uuid.UUID `json:"scheduler_id"`
	Now         time.Time `json:"now"`
}

type boolResponse struct {
	Value bool `json:"value"`
}

type countResponse struct {
	Count int `json:"count"`
}

type versionResponse struct {
	Version int64 `json:"version"`
}

type namesResponse struct {
	Names []string `json:"names"`
}

type jobResponse struct {
	Details *types.JobDetails `json:"details,omitempty"`
	Wake    *time.Time        `json:"wake,omitempty"`
}

type empty struct{}
