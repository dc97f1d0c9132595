package handlers

import (
	"net/http"

	"github.com/llmops-lab/blackbox-gateway/internal/gateway/pricing"
	"github.com/llmops-lab/blackbox-gateway/internal/shared/models"
)

// CatalogHandler serves the static model catalog.
type CatalogHandler struct {
	catalog *pricing.Catalog
}

func NewCatalogHandler(catalog *pricing.Catalog) *CatalogHandler {
	return &CatalogHandler{catalog: catalog}
}

// HandleListModels handles GET /models
func (h *CatalogHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	list := h.catalog.List()
	writeJSON(w, http.StatusOK, models.ModelsResponse{
		Models: list,
		Total:  len(list),
	})
}
