// download.go — приём запросов пакетной выгрузки: разбор параметров,
// проверка прав на владельцев и постановка строки в очередь выгрузок.
// Саму выгрузку выполняет конвейер internal/download.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/domain/policy"
	"github.com/bigkaa/goezid/internal/repository"
)

// downloadParam — описание параметра запроса выгрузки.
type downloadParam struct {
	repeatable bool
	values     []string // допустимые значения; nil — любые непустые
}

var downloadParams = map[string]downloadParam{
	"column":            {repeatable: true},
	"convertTimestamps": {values: []string{"yes", "no"}},
	"createdAfter":      {},
	"createdBefore":     {},
	"crossref":          {values: []string{"yes", "no"}},
	"datacite":          {values: []string{"yes", "no"}},
	"exported":          {values: []string{"yes", "no"}},
	"format":            {values: []string{"anvl", "csv", "xml"}},
	"compression":       {values: []string{"gzip", "zip"}},
	"notify":            {repeatable: true},
	"owner":             {repeatable: true},
	"ownergroup":        {repeatable: true},
	"permanence":        {values: []string{"test", "real"}},
	"profile":           {repeatable: true},
	"status":            {repeatable: true, values: []string{"reserved", "public", "unavailable"}},
	"type":              {repeatable: true, values: []string{"ark", "doi", "uuid"}},
	"updatedAfter":      {},
	"updatedBefore":     {},
}

// DownloadService ставит запросы выгрузки в очередь.
type DownloadService struct {
	store  repository.Store
	dir    Directory
	policy *policy.Policy
	// publicBase — основа URL опубликованных файлов
	publicBase string
	logger     *slog.Logger
}

// NewDownloadService создаёт сервис запросов выгрузки.
func NewDownloadService(store repository.Store, dir Directory, pol *policy.Policy, publicBase string, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		store:      store,
		dir:        dir,
		policy:     pol,
		publicBase: strings.TrimRight(publicBase, "/"),
		logger:     logger.With(slog.String("component", "download-requests")),
	}
}

// Enqueue разбирает запрос выгрузки и ставит его в очередь. Возвращает
// URL, по которому появится файл.
func (s *DownloadService) Enqueue(ctx context.Context, pr *policy.Principal, params url.Values) (string, error) {
	if pr.Anonymous {
		return "", ezerr.New(ezerr.Forbidden, "forbidden")
	}
	req, err := s.parse(ctx, pr, params)
	if err != nil {
		return "", err
	}
	if err := s.store.Repos().Downloads.Create(ctx, req); err != nil {
		return "", fmt.Errorf("постановка запроса выгрузки: %w", err)
	}
	s.logger.Info("Запрос выгрузки поставлен в очередь",
		slog.Int64("seq", req.Seq),
		slog.String("user", pr.Username),
		slog.String("filename", req.CompressedName()),
		slog.Int("owners", len(req.ToHarvest)),
	)
	return s.publicBase + "/" + req.CompressedName(), nil
}

func (s *DownloadService) parse(ctx context.Context, pr *policy.Principal, params url.Values) (*model.DownloadRequest, error) {
	// Порядок ключей фиксирован, чтобы ошибки были детерминированы.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vals := make(map[string][]string, len(params))
	for _, k := range keys {
		p, ok := downloadParams[k]
		if !ok {
			return nil, ezerr.New(ezerr.Invalid, "invalid parameter: %s", oneLine(k))
		}
		vs := params[k]
		if !p.repeatable && len(vs) > 1 {
			return nil, ezerr.New(ezerr.Invalid, "parameter is not repeatable: %s", k)
		}
		for i, v := range vs {
			v = strings.TrimSpace(v)
			if v == "" {
				return nil, ezerr.New(ezerr.Invalid, "parameter '%s': empty value", k)
			}
			if p.values != nil && !slices.Contains(p.values, v) {
				return nil, ezerr.New(ezerr.Invalid, "parameter '%s': invalid parameter value", k)
			}
			vs[i] = v
		}
		vals[k] = vs
	}

	req := &model.DownloadRequest{
		Requestor:   pr.Username,
		RawRequest:  params.Encode(),
		Compression: model.CompressionGzip,
		Filename:    newDownloadFilename(),
	}
	if _, ok := vals["format"]; !ok {
		return nil, ezerr.New(ezerr.Invalid, "missing required parameter: format")
	}
	req.Format = model.DownloadFormat(vals["format"][0])
	if c, ok := vals["compression"]; ok {
		req.Compression = model.Compression(c[0])
	}
	if req.Format == model.FormatCSV {
		if len(vals["column"]) == 0 {
			return nil, ezerr.New(ezerr.Invalid, "format 'csv' requires at least one column")
		}
		req.Columns = vals["column"]
	} else if _, ok := vals["column"]; ok {
		return nil, ezerr.New(ezerr.Invalid, "parameter is incompatible with format: column")
	}
	req.Notify = vals["notify"]
	req.Options.ConvertTimestamps = first(vals, "convertTimestamps") == "yes"

	c := &req.Constraints
	for key, dst := range map[string]**time.Time{
		"createdAfter":  &c.CreatedAfter,
		"createdBefore": &c.CreatedBefore,
		"updatedAfter":  &c.UpdatedAfter,
		"updatedBefore": &c.UpdatedBefore,
	} {
		if v := first(vals, key); v != "" {
			ts, err := parseDownloadTimestamp(v)
			if err != nil {
				return nil, ezerr.New(ezerr.Invalid, "parameter '%s': invalid timestamp", key)
			}
			*dst = &ts
		}
	}
	for key, dst := range map[string]**bool{
		"crossref": &c.Crossref,
		"datacite": &c.Datacite,
		"exported": &c.Exported,
	} {
		if v := first(vals, key); v != "" {
			b := v == "yes"
			*dst = &b
		}
	}
	c.Permanence = first(vals, "permanence")
	c.Profiles = vals["profile"]
	c.Types = vals["type"]
	for _, st := range vals["status"] {
		c.Statuses = append(c.Statuses, model.Status(st))
	}

	owners, err := s.owners(ctx, pr, vals["owner"], vals["ownergroup"])
	if err != nil {
		return nil, err
	}
	req.ToHarvest = owners
	return req, nil
}

// owners возвращает пользователей для выгрузки в порядке запроса без
// повторов. Без owner и ownergroup выгружаются идентификаторы вызывающего.
func (s *DownloadService) owners(ctx context.Context, pr *policy.Principal, users, groups []string) ([]string, error) {
	var out []string
	add := func(name string) {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	for _, name := range users {
		acc, err := s.dir.Lookup(ctx, name)
		if err != nil {
			if ezerr.Is(err, ezerr.NotFound) {
				return nil, ezerr.New(ezerr.Invalid, "parameter 'owner': no such user")
			}
			return nil, err
		}
		owner := policy.Owner{UserID: acc.User.ID, GroupID: acc.Group.ID, RealmID: acc.Group.RealmID}
		if !s.policy.CanDownloadUser(pr, owner) {
			return nil, ezerr.New(ezerr.Forbidden, "forbidden")
		}
		add(acc.User.Username)
	}
	repo := s.store.Repos().Principals
	for _, name := range groups {
		g, err := repo.GetGroupByName(ctx, name)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ezerr.New(ezerr.Invalid, "parameter 'ownergroup': no such group")
			}
			return nil, fmt.Errorf("получение группы %s: %w", name, err)
		}
		if !s.policy.CanDownloadGroup(pr, g.ID, g.RealmID) {
			return nil, ezerr.New(ezerr.Forbidden, "forbidden")
		}
		members, err := repo.ListUsernames(ctx, repository.UserFilter{GroupID: &g.ID})
		if err != nil {
			return nil, fmt.Errorf("пользователи группы %s: %w", name, err)
		}
		for _, m := range members {
			add(m)
		}
	}
	if len(out) == 0 {
		out = []string{pr.Username}
	}
	return out, nil
}

// parseDownloadTimestamp принимает RFC 3339 в UTC (…Z) или секунды Unix.
func parseDownloadTimestamp(v string) (time.Time, error) {
	if strings.HasSuffix(v, "Z") {
		return time.Parse(time.RFC3339, v)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0).UTC(), nil
}

// newDownloadFilename возвращает короткое случайное имя файла выгрузки.
func newDownloadFilename() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func first(vals map[string][]string, key string) string {
	if vs := vals[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// oneLine заменяет управляющие символы, чтобы значение поместилось в
// однострочный ответ.
func oneLine(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
}
