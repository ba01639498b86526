package models

import (
	"time"
)

// AnalysisStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Analysis kinds. Presence of a job description selects match mode.
const (
	KindMatch   = "match"
	KindQuality = "quality"
)

// CancelledByAdmin is the sentinel error stored when an admin cancels a
// PROCESSING analysis.
const CancelledByAdmin = "Cancelled by admin"

// AnalysisResult tracks one analysis request's lifecycle and result.
// Its ID doubles as the queue entry's correlation ID.
type AnalysisResult struct {
	ID               string         `json:"id"`
	UserID           string         `json:"userId"`
	ResumeID         string         `json:"resumeId"`
	JobDescriptionID *string        `json:"jobDescriptionId,omitempty"`
	Status           string         `json:"status"`
	MatchScore       *int           `json:"matchScore,omitempty"`
	MatchedSkills    []string       `json:"matchedSkills"`
	MissingSkills    []string       `json:"missingSkills"`
	ExperienceMatch  *string        `json:"experienceMatch,omitempty"`
	Recommendations  *string        `json:"recommendations,omitempty"`
	Summary          *string        `json:"summary,omitempty"`
	QualityScores    map[string]any `json:"qualityScores,omitempty"`
	Gaps             map[string]any `json:"gaps,omitempty"`
	Suggestions      map[string]any `json:"suggestions,omitempty"`
	Error            *string        `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Kind derives the analysis mode from the presence of a job description.
func (a AnalysisResult) Kind() string {
	if a.JobDescriptionID != nil {
		return KindMatch
	}
	return KindQuality
}

// Resume is the subject of an analysis. ExtractedText caches the result of
// text extraction so repeat submissions skip the storage round-trip.
type Resume struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	FileName      string    `json:"fileName"`
	FileKey       string    `json:"fileKey"`
	MimeType      string    `json:"mimeType"`
	ExtractedText string    `json:"extractedText,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// JobDescription is the optional comparison target for match mode.
type JobDescription struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Text renders the job description the way the analyzer consumes it.
func (j JobDescription) Text() string {
	return j.Title + " at " + j.Company + "\n\n" + j.Description
}

// QueueEntry is one unit of dispatched work. ID equals the AnalysisResult ID.
type QueueEntry struct {
	ID                 string `json:"id"`
	Kind               string `json:"kind"`
	ResumeText         string `json:"resumeText"`
	JobDescriptionText string `json:"jobDescriptionText,omitempty"`
	UserID             string `json:"userId"`
	ResumeID           string `json:"resumeId"`
	JobDescriptionID   string `json:"jobDescriptionId,omitempty"`
}

// AuditEntry records one administrative action.
type AuditEntry struct {
	ActorID    string         `json:"actorId"`
	Action     string         `json:"action"`
	TargetType string         `json:"targetType"`
	TargetID   string         `json:"targetId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Recorded   time.Time      `json:"recordedAt"`
}
