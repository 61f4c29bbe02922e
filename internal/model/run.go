// Package model defines the records that flow through the tender pipeline.
package model

import (
	"encoding/json"
	"time"
)

// RunStatus represents the state of an ingestion run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFail    RunStatus = "fail"
)

// RunError records a single per-record failure inside a run.
type RunError struct {
	Stage      string `json:"stage,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Message    string `json:"message"`
}

// IngestionRun is the bookkeeping row for one pipeline invocation.
// It is keyed by (TenantID, RunID).
type IngestionRun struct {
	TenantID   string                    `json:"tenant_id"`
	RunID      string                    `json:"run_id"`
	Source     string                    `json:"source"`
	Cursor     string                    `json:"cursor,omitempty"`
	Status     RunStatus                 `json:"status"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt *time.Time                `json:"finished_at,omitempty"`
	Metrics    map[string]map[string]int `json:"metrics"`
	Errors     []RunError                `json:"errors"`
}

// SetMetrics replaces the metric block for one stage.
func (r *IngestionRun) SetMetrics(stage string, m map[string]int) {
	if r.Metrics == nil {
		r.Metrics = make(map[string]map[string]int)
	}
	r.Metrics[stage] = m
}

// RawDocument is an immutable, checksum-deduplicated notice as fetched
// from a source.
type RawDocument struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	RunID        string          `json:"run_id"`
	Source       string          `json:"source"`
	SourceURL    string          `json:"source_url,omitempty"`
	DocumentType string          `json:"document_type"`
	ExternalID   string          `json:"external_id,omitempty"`
	RawText      string          `json:"raw_text,omitempty"`
	RawJSON      json.RawMessage `json:"raw_json,omitempty"`
	FetchedAt    time.Time       `json:"fetched_at"`
	Checksum     string          `json:"checksum"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ValidationStatus marks whether a staging record may be canonicalized.
type ValidationStatus string

const (
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

// StagingRecord is the parsed candidate extracted from a RawDocument.
type StagingRecord struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	RunID            string           `json:"run_id"`
	ExternalID       string           `json:"external_id"`
	Parsed           ParsedTender     `json:"parsed_json"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	Errors           []string         `json:"errors"`
	CreatedAt        time.Time        `json:"created_at"`
}

// ParsedTender is the normalized candidate stored in StagingRecord.parsed_json.
type ParsedTender struct {
	Source          string         `json:"source"`
	ExternalID      string         `json:"external_id"`
	Title           string         `json:"title"`
	BuyerName       string         `json:"buyer_name"`
	CPVCodes        []string       `json:"cpv_codes"`
	PublicationDate string         `json:"publication_date,omitempty"`
	DeadlineDate    string         `json:"deadline_date,omitempty"`
	EstimatedValue  *float64       `json:"estimated_value,omitempty"`
	Currency        string         `json:"currency"`
	SourceURL       string         `json:"source_url,omitempty"`
	RawText         string         `json:"raw_text"`
	Fields          map[string]any `json:"fields,omitempty"`
}
