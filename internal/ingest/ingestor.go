package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"ragchat/internal/db/ragflow"
	applog "ragchat/internal/platform/log"
)

// Ingestor 知识库写入流水线：解析 -> 分块 -> 推送到文档库。
// 分块在本地完成，远端只做存储和索引，不再触发二次解析。
type Ingestor struct {
	admin   *ragflow.Client
	parsers *ParserRegistry
	chunker *Chunker
}

// IngestorConfig 写入流水线配置
type IngestorConfig struct {
	Admin     *ragflow.Client
	ChunkSize int // 默认 512
	Overlap   int // 默认 ChunkSize/4
}

// NewIngestor 创建写入流水线
func NewIngestor(cfg IngestorConfig) *Ingestor {
	return &Ingestor{
		admin:   cfg.Admin,
		parsers: NewParserRegistry(),
		chunker: NewChunker(cfg.ChunkSize, cfg.Overlap),
	}
}

// Result 单个文档的写入结果
type Result struct {
	DatasetID  string `json:"dataset_id"`
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Title      string `json:"title,omitempty"`
	Chunks     int    `json:"chunks"`
}

// Ingest 把一份文档写入指定知识库：按扩展名解析出纯文本、切块、
// 上传原件并逐块推送。任何一步失败整体报错，已上传的部分不回滚。
func (ing *Ingestor) Ingest(ctx context.Context, datasetID, filename string, reader io.Reader) (*Result, error) {
	parser, err := ing.parsers.Get(filename)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	parsed, err := parser.Parse(bytes.NewReader(data), filename)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if parsed.Content == "" {
		return nil, fmt.Errorf("no extractable text in %s", filename)
	}

	chunks := ing.chunker.Split(parsed.Content)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks produced from %s", filename)
	}

	start := time.Now()
	doc, err := ing.admin.UploadDocument(ctx, datasetID, filename, data)
	if err != nil {
		return nil, fmt.Errorf("upload document: %w", err)
	}

	title := parsed.Metadata["title"]
	var keywords []string
	if title != "" {
		keywords = []string{title}
	}
	for i, chunk := range chunks {
		if err := ing.admin.AddChunk(ctx, datasetID, doc.ID, chunk, keywords); err != nil {
			return nil, fmt.Errorf("push chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}

	applog.Info("[Ingest] Document ingested",
		"dataset_id", datasetID,
		"document_id", doc.ID,
		"filename", filename,
		"chunks", len(chunks),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return &Result{
		DatasetID:  datasetID,
		DocumentID: doc.ID,
		Filename:   filename,
		Title:      title,
		Chunks:     len(chunks),
	}, nil
}

// EnsureDataset 按名称解析知识库 ID，不存在时创建。
// name 为空时沿用远端的第一个知识库。
func (ing *Ingestor) EnsureDataset(ctx context.Context, name string) (string, error) {
	id, err := ing.admin.FindDatasetID(ctx, name)
	if err == nil {
		return id, nil
	}
	if name == "" {
		return "", err
	}

	applog.Info("[Ingest] Dataset not found, creating", "name", name)
	dataset, err := ing.admin.CreateDataset(ctx, name)
	if err != nil {
		return "", err
	}
	return dataset.ID, nil
}

// SupportedTypes 支持的文件类型描述，供 API 错误提示使用
func (ing *Ingestor) SupportedTypes() string {
	return ing.parsers.SupportedTypes()
}
