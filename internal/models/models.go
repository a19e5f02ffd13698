package models

import "time"

// Document is one unit of ingestion input.
type Document struct {
	ID   string // source file name
	Text string
}

// Citation is a retrieved chunk returned alongside an answer.
type Citation struct {
	Text     string  `json:"text"`
	Source   string  `json:"source"`
	Distance float64 `json:"-"`
}

type QueryRequest struct {
	Query string `json:"query" validate:"required,max=4096"`
	TopK  int    `json:"top_k,omitempty" validate:"omitempty,min=1,max=50"`
}

type QueryResponse struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// IngestSummary reports the outcome of one ingestion run.
type IngestSummary struct {
	Generation       string        `json:"generation,omitempty"`
	DocumentCount    int           `json:"document_count"`
	SkippedDocuments int           `json:"skipped_documents"`
	ChunkCount       int           `json:"chunk_count"`
	Dimension        int           `json:"dimension"`
	Persisted        bool          `json:"persisted"`
	DryRun           bool          `json:"dry_run,omitempty"`
	Duration         time.Duration `json:"-"`
	DurationMS       int64         `json:"duration_ms"`
}
