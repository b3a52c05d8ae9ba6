package model

import (
	"strings"
	"time"

	"github.com/bigkaa/goezid/internal/domain/metadata"
)

// SearchRecord — денормализованная строка поискового индекса.
type SearchRecord struct {
	Identifier      string    `json:"identifier"`
	OwnerName       string    `json:"owner"`
	OwnerGroupName  string    `json:"ownergroup"`
	CreatedAt       time.Time `json:"created"`
	UpdatedAt       time.Time `json:"updated"`
	Status          string    `json:"status"`
	Exported        bool      `json:"exported"`
	Target          string    `json:"target"`
	Profile         string    `json:"profile"`
	IsTest          bool      `json:"isTest"`
	Crossref        bool      `json:"crossref"`
	Datacite        bool      `json:"datacite"`
	AgentRole       string    `json:"agentRole,omitempty"`
	MappedCreator   string    `json:"creator"`
	MappedTitle     string    `json:"title"`
	MappedPublisher string    `json:"publisher"`
	MappedDate      string    `json:"date"`
	MappedType      string    `json:"type"`
	Keywords        string    `json:"keywords,omitempty"`
}

// Предел длины поля keywords.
const maxKeywords = 1 << 16

// NewSearchRecord строит строку поискового индекса из записи.
func NewSearchRecord(r *Identifier, isTest bool) *SearchRecord {
	c := r.Citation()
	mappedType := c.ValidatedType()
	if mappedType == "" {
		mappedType = c.Type
	}
	rec := &SearchRecord{
		Identifier:      r.ID,
		OwnerName:       r.OwnerLabel(),
		OwnerGroupName:  r.GroupLabel(),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Status:          r.StatusString(),
		Exported:        r.Exported,
		Target:          r.Target,
		Profile:         r.Profile,
		IsTest:          isTest,
		Crossref:        r.IsCrossref(),
		Datacite:        r.IsDatacite(),
		AgentRole:       string(r.AgentRole),
		MappedCreator:   c.Creator,
		MappedTitle:     c.Title,
		MappedPublisher: c.Publisher,
		MappedDate:      c.Date,
		MappedType:      mappedType,
	}

	// XML-документы представлены в keywords отображёнными полями.
	words := []string{r.ID, rec.OwnerName, rec.OwnerGroupName, c.Creator, c.Title, c.Publisher, c.Date, c.Type}
	r.Metadata.Range(func(k, v string) bool {
		if k != metadata.KeyDatacite && k != metadata.KeyCrossref {
			words = append(words, v)
		}
		return true
	})
	kw := strings.Join(strings.Fields(strings.Join(words, " ")), " ")
	if len(kw) > maxKeywords {
		kw = strings.ToValidUTF8(kw[:maxKeywords], "")
	}
	rec.Keywords = kw
	return rec
}
