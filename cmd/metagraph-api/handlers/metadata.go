package handlers

import (
	"context"
	"net/http"

	"github.com/metagraph-ai/metagraph/internal/ingest"
	"github.com/metagraph-ai/metagraph/internal/observability"
	"github.com/metagraph-ai/metagraph/internal/retrieval"
)

// Retriever is the retrieval surface the metadata endpoints expose.
type Retriever interface {
	GetTables(ctx context.Context, dbCode string) (retrieval.DBInfo, map[string]retrieval.TableInfo, error)
	GetColumns(ctx context.Context, dbCode string, pairs [][2]string) (retrieval.ColumnMap, error)
	RetrieveKnowledge(ctx context.Context, dbCode, query string, keywords []string) retrieval.KnowledgeMap
	RetrieveColumn(ctx context.Context, dbCode string, keywords []string) retrieval.ColumnMap
	RetrieveCell(ctx context.Context, dbCode string, keywords []string) retrieval.ColumnMap
	InvalidateCache(ctx context.Context, dbCode string)
	InvalidateAllCache(ctx context.Context)
}

// Ingestor is the ingestion surface the metadata endpoints expose.
type Ingestor interface {
	SaveAll(ctx context.Context, sel ingest.Selection) error
	Clear(ctx context.Context) error
}

// MetadataHandler serves the graph ingestion and retrieval endpoints.
type MetadataHandler struct {
	logger   *observability.Logger
	engine   Retriever
	ingestor Ingestor
}

// NewMetadataHandler creates the metadata endpoint handler.
func NewMetadataHandler(logger *observability.Logger, engine Retriever, ingestor Ingestor) *MetadataHandler {
	return &MetadataHandler{logger: logger, engine: engine, ingestor: ingestor}
}

type saveMetadataRequest struct {
	// Save selects databases and their tables, knowledge and cell tables.
	// Null means everything configured.
	Save ingest.Selection `json:"save"`
}

// SaveMetadata ingests the selected databases into the graph.
func (h *MetadataHandler) SaveMetadata(w http.ResponseWriter, r *http.Request) {
	var req saveMetadataRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.ingestor.SaveAll(r.Context(), req.Save); err != nil {
		h.logger.Error().Err(err).Msg("save metadata failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Save == nil {
		h.engine.InvalidateAllCache(r.Context())
	} else {
		for dbCode := range req.Save {
			h.engine.InvalidateCache(r.Context(), dbCode)
		}
	}
	respondJSON(w, http.StatusOK, nil)
}

// ClearMetadata wipes the whole metadata graph.
func (h *MetadataHandler) ClearMetadata(w http.ResponseWriter, r *http.Request) {
	if err := h.ingestor.Clear(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("clear metadata failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.engine.InvalidateAllCache(r.Context())
	respondJSON(w, http.StatusOK, nil)
}

type dbRequest struct {
	DBCode string `json:"db_code"`
}

func (h *MetadataHandler) requireDBCode(w http.ResponseWriter, dbCode string) bool {
	if dbCode == "" {
		respondError(w, http.StatusBadRequest, "db_code is required")
		return false
	}
	return true
}

// GetTable returns a two-element array: the database info and its table map.
func (h *MetadataHandler) GetTable(w http.ResponseWriter, r *http.Request) {
	var req dbRequest
	if !decodeBody(w, r, &req) || !h.requireDBCode(w, req.DBCode) {
		return
	}
	info, tables, err := h.engine.GetTables(r.Context(), req.DBCode)
	if err != nil {
		h.logger.Error().Err(err).Msg("get tables failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, []any{info, tables})
}

type getColumnRequest struct {
	DBCode         string      `json:"db_code"`
	TbColTupleList [][2]string `json:"tb_col_tuple_list"`
}

// GetColumn resolves (tb_name, col_name) pairs to their metadata.
func (h *MetadataHandler) GetColumn(w http.ResponseWriter, r *http.Request) {
	var req getColumnRequest
	if !decodeBody(w, r, &req) || !h.requireDBCode(w, req.DBCode) {
		return
	}
	cols, err := h.engine.GetColumns(r.Context(), req.DBCode, req.TbColTupleList)
	if err != nil {
		h.logger.Error().Err(err).Msg("get columns failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cols)
}

type queryRequest struct {
	DBCode   string   `json:"db_code"`
	Query    string   `json:"query"`
	Keywords []string `json:"keywords"`
}

// RetrieveKnowledge runs hybrid knowledge retrieval for a query and its
// keywords.
func (h *MetadataHandler) RetrieveKnowledge(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) || !h.requireDBCode(w, req.DBCode) {
		return
	}
	result := h.engine.RetrieveKnowledge(r.Context(), req.DBCode, req.Query, req.Keywords)
	respondJSON(w, http.StatusOK, result)
}

type keywordsRequest struct {
	DBCode   string   `json:"db_code"`
	Keywords []string `json:"keywords"`
}

// RetrieveColumn runs dense column retrieval for a keyword list.
func (h *MetadataHandler) RetrieveColumn(w http.ResponseWriter, r *http.Request) {
	var req keywordsRequest
	if !decodeBody(w, r, &req) || !h.requireDBCode(w, req.DBCode) {
		return
	}
	result := h.engine.RetrieveColumn(r.Context(), req.DBCode, req.Keywords)
	respondJSON(w, http.StatusOK, result)
}

// RetrieveCell runs hybrid cell retrieval for a keyword list.
func (h *MetadataHandler) RetrieveCell(w http.ResponseWriter, r *http.Request) {
	var req keywordsRequest
	if !decodeBody(w, r, &req) || !h.requireDBCode(w, req.DBCode) {
		return
	}
	result := h.engine.RetrieveCell(r.Context(), req.DBCode, req.Keywords)
	respondJSON(w, http.StatusOK, result)
}
