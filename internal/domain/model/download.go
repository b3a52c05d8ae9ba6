package model

import "time"

// DownloadFormat — формат выгрузки.
type DownloadFormat string

const (
	FormatANVL DownloadFormat = "anvl"
	FormatCSV  DownloadFormat = "csv"
	FormatXML  DownloadFormat = "xml"
)

// Suffix возвращает расширение несжатого файла.
func (f DownloadFormat) Suffix() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatXML:
		return "xml"
	}
	return "txt"
}

// Compression — способ сжатия выгрузки.
type Compression string

const (
	CompressionGzip Compression = "gzip"
	CompressionZip  Compression = "zip"
)

// Suffix возвращает расширение сжатого файла.
func (c Compression) Suffix() string {
	if c == CompressionZip {
		return "zip"
	}
	return "gz"
}

// Stage — этап конвейера выгрузки.
type Stage string

const (
	StageCreate   Stage = "create"
	StageHarvest  Stage = "harvest"
	StageCompress Stage = "compress"
	StageDelete   Stage = "delete"
	StageMove     Stage = "move"
	StageNotify   Stage = "notify"
)

// Stages — этапы в порядке прохождения.
var Stages = []Stage{StageCreate, StageHarvest, StageCompress, StageDelete, StageMove, StageNotify}

// Next возвращает следующий этап; для notify — пустую строку.
func (s Stage) Next() Stage {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return ""
}

// Constraints — типизированные предикаты отбора идентификаторов.
// Пустые срезы и nil-указатели означают отсутствие ограничения.
type Constraints struct {
	CreatedAfter  *time.Time `json:"createdAfter,omitempty"`
	CreatedBefore *time.Time `json:"createdBefore,omitempty"`
	UpdatedAfter  *time.Time `json:"updatedAfter,omitempty"`
	UpdatedBefore *time.Time `json:"updatedBefore,omitempty"`
	Crossref      *bool      `json:"crossref,omitempty"`
	Datacite      *bool      `json:"datacite,omitempty"`
	Exported      *bool      `json:"exported,omitempty"`
	// Permanence — "test" или "real"
	Permanence string   `json:"permanence,omitempty"`
	Profiles   []string `json:"profile,omitempty"`
	Statuses   []Status `json:"status,omitempty"`
	// Types — схемы: ark, doi, uuid
	Types []string `json:"type,omitempty"`
}

// DownloadOptions — опции выгрузки.
type DownloadOptions struct {
	// ConvertTimestamps — выводить _created/_updated в RFC 3339 (Z)
	ConvertTimestamps bool `json:"convertTimestamps"`
}

// DownloadRequest — строка очереди выгрузок.
type DownloadRequest struct {
	Seq         int64
	RequestedAt time.Time
	// Requestor — имя пользователя, запросившего выгрузку
	Requestor   string
	RawRequest  string
	Format      DownloadFormat
	Compression Compression
	Columns     []string
	Constraints Constraints
	Options     DownloadOptions
	Notify      []string
	Stage       Stage
	// Filename — короткое случайное имя файла без расширения
	Filename string
	// ToHarvest — владельцы (username) в порядке выгрузки
	ToHarvest    []string
	CurrentIndex int
	// LastID — курсор возобновляемого сбора
	LastID   string
	FileSize int64
	// Error — последняя ошибка этапа
	Error string
}

// CurrentOwner возвращает владельца, выгружаемого сейчас, или "".
func (r *DownloadRequest) CurrentOwner() string {
	if r.CurrentIndex < len(r.ToHarvest) {
		return r.ToHarvest[r.CurrentIndex]
	}
	return ""
}

// FileName возвращает имя несжатого файла.
func (r *DownloadRequest) FileName() string { return r.Filename + "." + r.Format.Suffix() }

// CompressedName возвращает имя опубликованного файла.
func (r *DownloadRequest) CompressedName() string {
	if r.Compression == CompressionZip {
		return r.Filename + ".zip"
	}
	return r.FileName() + ".gz"
}
