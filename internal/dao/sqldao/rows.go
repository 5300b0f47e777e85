package sqldao

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

const jobColumns = `name, description, job_key, trigger_json, job_data_json, creation_time, job_state,
  next_fire_time, next_misfire_threshold, last_scheduler_id, last_start_time, last_end_time,
  last_succeeded, last_status, version`

// jobRow is a jobs row in column form.
type jobRow struct {
	name                 string
	description          string
	jobKey               string
	triggerJSON          string
	jobDataJSON          sql.NullString
	creationTime         int64
	jobState             string
	nextFireTime         sql.NullInt64
	nextMisfireThreshold sql.NullInt64
	lastSchedulerID      sql.NullString
	lastStartTime        sql.NullInt64
	lastEndTime          sql.NullInt64
	lastSucceeded        sql.NullBool
	lastStatus           sql.NullString
	version              int64
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*types.JobDetails, error) {
	var r jobRow
	err := s.Scan(&r.name, &r.description, &r.jobKey, &r.triggerJSON, &r.jobDataJSON,
		&r.creationTime, &r.jobState, &r.nextFireTime, &r.nextMisfireThreshold,
		&r.lastSchedulerID, &r.lastStartTime, &r.lastEndTime, &r.lastSucceeded,
		&r.lastStatus, &r.version)
	if err != nil {
		return nil, err
	}
	return r.decode()
}

func encodeSpec(spec *types.JobSpec) (string, sql.NullString, error) {
	trig, err := types.MarshalTrigger(spec.Trigger)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("sqldao: encode trigger of %q: %w", spec.Name, err)
	}
	var data sql.NullString
	if spec.JobData != nil {
		b, err := json.Marshal(spec.JobData)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("sqldao: encode job data of %q: %w", spec.Name, err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	return string(trig), data, nil
}

func encodeDetails(d *types.JobDetails) (jobRow, error) {
	trig, data, err := encodeSpec(d.JobSpec)
	if err != nil {
		return jobRow{}, err
	}
	r := jobRow{
		name:                 d.JobSpec.Name,
		description:          d.JobSpec.Description,
		jobKey:               d.JobSpec.JobKey,
		triggerJSON:          trig,
		jobDataJSON:          data,
		creationTime:         toNanos(d.CreationTime),
		jobState:             string(d.JobState),
		nextFireTime:         nullNanos(d.NextTriggerFireTime),
		nextMisfireThreshold: nullDuration(d.NextTriggerMisfireThreshold),
		version:              d.Version,
	}
	if e := d.LastJobExecutionDetails; e != nil {
		r.lastSchedulerID = sql.NullString{String: e.SchedulerID.String(), Valid: true}
		r.lastStartTime = sql.NullInt64{Int64: toNanos(e.StartTime), Valid: true}
		r.lastEndTime = nullNanos(e.EndTime)
		r.lastSucceeded = sql.NullBool{Bool: e.Succeeded, Valid: true}
		r.lastStatus = sql.NullString{String: e.StatusMessage, Valid: true}
	}
	return r, nil
}

func (r jobRow) decode() (*types.JobDetails, error) {
	trig, err := types.UnmarshalTrigger([]byte(r.triggerJSON))
	if err != nil {
		return nil, fmt.Errorf("sqldao: decode trigger of %q: %w", r.name, err)
	}
	var data types.JobData
	if r.jobDataJSON.Valid {
		if err := json.Unmarshal([]byte(r.jobDataJSON.String), &data); err != nil {
			return nil, fmt.Errorf("sqldao: decode job data of %q: %w", r.name, err)
		}
	}

	d := &types.JobDetails{
		JobSpec: &types.JobSpec{
			Name:        r.name,
			Description: r.description,
			JobKey:      r.jobKey,
			Trigger:     trig,
			JobData:     data,
		},
		CreationTime:        fromNanos(r.creationTime),
		JobState:            types.JobState(r.jobState),
		NextTriggerFireTime: nanosPtr(r.nextFireTime),
		Version:             r.version,
	}
	if r.nextMisfireThreshold.Valid {
		d.NextTriggerMisfireThreshold = types.DurationPtr(time.Duration(r.nextMisfireThreshold.Int64))
	}
	if r.lastSchedulerID.Valid {
		id, err := uuid.Parse(r.lastSchedulerID.String)
		if err != nil {
			return nil, fmt.Errorf("sqldao: decode scheduler id of %q: %w", r.name, err)
		}
		d.LastJobExecutionDetails = &types.JobExecutionDetails{
			SchedulerID:   id,
			StartTime:     fromNanos(r.lastStartTime.Int64),
			EndTime:       nanosPtr(r.lastEndTime),
			Succeeded:     r.lastSucceeded.Bool,
			StatusMessage: r.lastStatus.String,
		}
	}
	return d, nil
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func nanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	return types.TimePtr(fromNanos(n.Int64))
}

func nullDuration(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*d), Valid: true}
}
