package ragflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	applog "ragchat/internal/platform/log"
)

// 知识库管理接口：建库、查库、传文档、写分块、触发解析。
// 供 ingest 流水线使用，与检索接口共用鉴权和超时设置。

// Dataset 知识库（数据集）
type Dataset struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ChunkCount    int    `json:"chunk_count"`
	DocumentCount int    `json:"document_count"`
}

// Document 知识库中的文档
type Document struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	DatasetID string `json:"dataset_id"`
	Run       string `json:"run"` // 解析状态
}

type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ListDatasets 列出全部知识库
func (c *Client) ListDatasets(ctx context.Context) ([]Dataset, error) {
	var datasets []Dataset
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/datasets?page=1&page_size=30", nil, &datasets); err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	return datasets, nil
}

// CreateDataset 创建知识库
func (c *Client) CreateDataset(ctx context.Context, name string) (*Dataset, error) {
	var dataset Dataset
	body := map[string]interface{}{"name": name}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/datasets", body, &dataset); err != nil {
		return nil, fmt.Errorf("create dataset %q: %w", name, err)
	}
	applog.Info("[RAGFlow] Dataset created", "name", name, "id", dataset.ID)
	return &dataset, nil
}

// FindDatasetID 按名称查找知识库 ID；name 为空时返回第一个知识库
func (c *Client) FindDatasetID(ctx context.Context, name string) (string, error) {
	datasets, err := c.ListDatasets(ctx)
	if err != nil {
		return "", err
	}
	if len(datasets) == 0 {
		return "", fmt.Errorf("no datasets found")
	}
	if name == "" {
		return datasets[0].ID, nil
	}
	for _, d := range datasets {
		if d.Name == name {
			return d.ID, nil
		}
	}
	return "", fmt.Errorf("dataset %q not found", name)
}

// UploadDocument 以 multipart 上传文档原文，返回远端文档记录
func (c *Client) UploadDocument(ctx context.Context, datasetID, filename string, content []byte) (*Document, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("write upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close upload form: %w", err)
	}

	path := "/api/v1/datasets/" + url.PathEscape(datasetID) + "/documents"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upload document: %w", err)
	}
	defer resp.Body.Close()

	// 上传接口的 data 是文档数组
	var docs []Document
	if err := decodeEnvelope(resp, &docs); err != nil {
		return nil, fmt.Errorf("upload document: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("upload document: empty document list in response")
	}
	applog.Info("[RAGFlow] Document uploaded", "dataset_id", datasetID, "document_id", docs[0].ID, "name", filename)
	return &docs[0], nil
}

// AddChunk 向已解析的文档追加一个分块
func (c *Client) AddChunk(ctx context.Context, datasetID, documentID, content string, keywords []string) error {
	path := "/api/v1/datasets/" + url.PathEscape(datasetID) + "/documents/" + url.PathEscape(documentID) + "/chunks"
	body := map[string]interface{}{"content": content}
	if len(keywords) > 0 {
		body["important_keywords"] = keywords
	}
	if err := c.doJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("add chunk: %w", err)
	}
	return nil
}

// ParseDocuments 触发文档解析（异步，远端排队执行）
func (c *Client) ParseDocuments(ctx context.Context, datasetID string, documentIDs []string) error {
	path := "/api/v1/datasets/" + url.PathEscape(datasetID) + "/chunks"
	body := map[string]interface{}{"document_ids": documentIDs}
	if err := c.doJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("parse documents: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, out interface{}) error {
	var body io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp, out)
}

// decodeEnvelope 解析 {code, message, data} 信封，code 非 0 视为错误
func decodeEnvelope(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned %d: %s", resp.StatusCode, string(body))
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		msg := env.Message
		if msg == "" {
			msg = "Unknown error"
		}
		return fmt.Errorf("API error (code %d): %s", env.Code, msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
