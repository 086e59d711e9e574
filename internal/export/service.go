package export

import (
	"context"
	"fmt"

	"dropz/api/internal/store"
)

// Service provides node export functionality.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// ExportPDF renders one node as a PDF.
func (s *Service) ExportPDF(_ context.Context, node store.Node, planetName string) (*Result, error) {
	html, err := RenderNodeHTML(TemplateData{
		Title:      node.Title,
		PlanetName: planetName,
		FilePath:   node.FilePath,
		Tier:       node.Tier,
		Content:    node.Content,
		UpdatedAt:  node.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return renderPDF(html, node.Title)
}
