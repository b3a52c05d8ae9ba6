// record.go — применение клиентских метаданных к записи идентификатора
// и проверка согласованности записи перед сохранением.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/metadata"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/domain/profile"
	"github.com/bigkaa/goezid/internal/repository"
)

// MaxTargetLength — максимальная длина целевого URL.
const MaxTargetLength = 2000

var profileLabelRE = regexp.MustCompile(`^[A-Za-z0-9]+([-_.][A-Za-z0-9]+)*$`)

// applyOptions — условия применения метаданных.
type applyOptions struct {
	// isNew — запись ещё не сохранена
	isNew bool
	// restricted — разрешены служебные поля (_created, _datacenter, ...)
	restricted bool
}

// applyResult — что запрос изменил помимо значений полей.
type applyResult struct {
	updatedGiven bool
	ownerChanged bool
}

func invalid(field, format string, args ...any) error {
	return ezerr.New(ezerr.Invalid, field+": "+format, args...)
}

// apply накладывает клиентские метаданные на запись. Проверяет
// переходы статуса и смену агентства регистрации, но не права.
func (e *Engine) apply(ctx context.Context, rec *model.Identifier, md metadata.Map, opts applyOptions) (applyResult, error) {
	var (
		res        applyResult
		err        error
		explicitGr *model.Group
	)
	md.Range(func(k, v string) bool {
		switch k {
		case model.KeyOwner:
			err = e.applyOwner(ctx, rec, v)
			res.ownerChanged = true
		case model.KeyOwnerGroup:
			if !opts.restricted {
				err = invalid("ownergroup", "field is not settable")
				break
			}
			explicitGr, err = e.lookupGroup(ctx, v)
		case model.KeyCreated, model.KeyUpdated:
			if !opts.restricted {
				err = invalid(k, "field is not settable")
				break
			}
			var ts time.Time
			ts, err = parseUnix(k, v)
			if k == model.KeyCreated {
				rec.CreatedAt = ts
			} else {
				rec.UpdatedAt = ts
				res.updatedGiven = true
			}
		case model.KeyStatus:
			err = applyStatus(rec, v, opts)
		case model.KeyExport:
			switch strings.ToLower(v) {
			case "yes":
				rec.Exported = true
			case "no":
				rec.Exported = false
			default:
				err = invalid("exported", "value must be 'yes' or 'no'")
			}
		case model.KeyDatacenter:
			if !opts.restricted {
				err = invalid("_datacenter", "field is not settable")
				break
			}
			err = e.applyDatacenter(ctx, rec, v)
		case model.KeyCrossref:
			err = applyCrossref(rec, v, opts)
		case model.KeyTarget:
			rec.Target = v
		case model.KeyProfile:
			if v != "" && !profileLabelRE.MatchString(v) {
				err = invalid("profile", "invalid profile label")
				break
			}
			rec.Profile = v
		case model.KeyRole:
			if !opts.restricted {
				err = invalid("_ezid_role", "field is not settable")
				break
			}
			switch v {
			case "user", string(model.AgentRoleUser):
				rec.AgentRole = model.AgentRoleUser
			case "group", string(model.AgentRoleGroup):
				rec.AgentRole = model.AgentRoleGroup
			case "":
				rec.AgentRole = model.AgentRoleNone
			default:
				err = invalid("_ezid_role", "invalid agent role")
			}
		default:
			if strings.HasPrefix(k, "_") {
				err = invalid(k, "field is not settable")
				break
			}
			rec.Metadata.Set(k, v)
		}
		return err == nil
	})
	if err != nil {
		return res, err
	}

	if explicitGr != nil {
		if rec.OwnerGroupID != nil && *rec.OwnerGroupID != explicitGr.ID {
			return res, invalid("ownergroup", "identifier's ownergroup does not match identifier's owner's group")
		}
		id := explicitGr.ID
		rec.OwnerGroupID = &id
		rec.OwnerGroupName = explicitGr.Groupname
		rec.OwnerGroupPID = explicitGr.PID
	}
	return res, nil
}

func (e *Engine) applyOwner(ctx context.Context, rec *model.Identifier, username string) error {
	if username == "" || username == "anonymous" {
		return invalid("owner", "no such user")
	}
	acc, err := e.dir.Lookup(ctx, username)
	if err != nil {
		if ezerr.Is(err, ezerr.NotFound) {
			return invalid("owner", "no such user")
		}
		return err
	}
	setOwner(rec, acc)
	return nil
}

func (e *Engine) lookupGroup(ctx context.Context, groupname string) (*model.Group, error) {
	g, err := e.store.Repos().Principals.GetGroupByName(ctx, groupname)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, invalid("ownergroup", "no such group")
		}
		return nil, fmt.Errorf("получение группы %s: %w", groupname, err)
	}
	return g, nil
}

func (e *Engine) applyDatacenter(ctx context.Context, rec *model.Identifier, symbol string) error {
	if symbol == "" {
		rec.DatacenterID = nil
		rec.DatacenterSymbol = ""
		return nil
	}
	sym, ok := identifier.ValidateDatacenter(symbol)
	if !ok {
		return invalid("datacenter", "no such datacenter")
	}
	dc, err := e.store.Repos().Datacenters.GetBySymbol(ctx, sym)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return invalid("datacenter", "no such datacenter")
		}
		return fmt.Errorf("получение датацентра %s: %w", sym, err)
	}
	id := dc.ID
	rec.DatacenterID = &id
	rec.DatacenterSymbol = dc.Symbol
	return nil
}

func applyStatus(rec *model.Identifier, v string, opts applyOptions) error {
	st, reason, ok := model.ParseStatus(v)
	if !ok {
		return invalid("status", "invalid identifier status")
	}
	switch st {
	case model.StatusReserved:
		if !opts.isNew && !rec.IsReserved() && !opts.restricted {
			return invalid("status", "invalid identifier status change")
		}
	case model.StatusUnavailable:
		if (opts.isNew || rec.IsReserved()) && !opts.restricted {
			return invalid("status", "invalid identifier status change")
		}
	}
	rec.Status = st
	rec.UnavailableReason = reason
	return nil
}

func applyCrossref(rec *model.Identifier, v string, opts applyOptions) error {
	if strings.EqualFold(v, "yes") {
		if !opts.isNew && rec.IsDatacite() && !opts.restricted {
			return invalid("crossrefStatus", "DataCite DOI cannot be registered with Crossref")
		}
		if rec.IsReserved() {
			rec.CrossrefStatus = model.CrossrefReserved
		} else {
			rec.CrossrefStatus = model.CrossrefWorking
		}
		rec.CrossrefMessage = ""
		return nil
	}
	if !opts.restricted {
		return invalid("crossrefStatus", "value must be 'yes'")
	}
	if v == "" {
		rec.CrossrefStatus = model.CrossrefNone
		rec.CrossrefMessage = ""
		return nil
	}
	status, msg, _ := strings.Cut(v, "/")
	switch cs := model.CrossrefStatus(status); cs {
	case model.CrossrefReserved, model.CrossrefWorking, model.CrossrefRegistered,
		model.CrossrefWarning, model.CrossrefFailure:
		rec.CrossrefStatus = cs
		rec.CrossrefMessage = msg
		return nil
	}
	return invalid("crossrefStatus", "invalid Crossref status")
}

func parseUnix(field, v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return time.Time{}, invalid(field, "invalid timestamp")
	}
	return time.Unix(n, 0).UTC(), nil
}

func setOwner(rec *model.Identifier, acc *Account) {
	uid, gid := acc.User.ID, acc.Group.ID
	rec.OwnerID = &uid
	rec.OwnerName = acc.User.Username
	rec.OwnerPID = acc.User.PID
	rec.OwnerGroupID = &gid
	rec.OwnerGroupName = acc.Group.Groupname
	rec.OwnerGroupPID = acc.Group.PID
}

// clean дополняет запись значениями по умолчанию и проверяет её
// согласованность, в том числе метаданные профиля.
func (e *Engine) clean(rec *model.Identifier, now time.Time, updatedGiven bool) error {
	if (rec.OwnerID == nil) != (rec.OwnerGroupID == nil) {
		return invalid("owner", "owner/ownergroup inconsistency")
	}

	now = now.UTC().Truncate(time.Second)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if !updatedGiven || rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.UpdatedAt.Before(rec.CreatedAt) {
		return invalid("updateTime", "update time precedes creation time")
	}

	rec.UnavailableReason = strings.TrimSpace(rec.UnavailableReason)
	if rec.UnavailableReason != "" && !rec.IsUnavailable() {
		return invalid("unavailableReason", "non-unavailable identifier has nonempty unavailability reason")
	}
	rec.CrossrefMessage = strings.TrimSpace(rec.CrossrefMessage)

	if err := cleanRegistration(rec); err != nil {
		return err
	}
	if err := e.cleanTarget(rec); err != nil {
		return err
	}
	if rec.Profile == "" {
		rec.Profile = profile.Default(rec.ID)
	}
	if err := cleanMetadataKeys(rec); err != nil {
		return err
	}
	if rec.IsAgentPID() {
		if err := e.cleanAgentPID(rec); err != nil {
			return err
		}
	}

	subject := profile.Subject{
		ID:             rec.ID,
		Reserved:       rec.IsReserved(),
		ResolverTarget: rec.ResolverTarget(e.cfg.URLs),
	}
	if err := rec.ProfileOf().Validate(subject, &rec.Metadata); err != nil {
		return ezerr.New(ezerr.Invalid, "metadata validation error: %v", err)
	}
	return e.checkRequirements(rec)
}

func cleanRegistration(rec *model.Identifier) error {
	if !rec.IsDOI() {
		switch {
		case rec.DatacenterID != nil:
			return invalid("datacenter", "non-DOI identifier has datacenter")
		case rec.CrossrefStatus != model.CrossrefNone:
			return invalid("crossrefStatus", "only DOI identifiers may be registered with Crossref")
		case rec.CrossrefMessage != "":
			return invalid("crossrefMessage", "non-DOI identifier has nonempty Crossref message")
		}
		return nil
	}
	if rec.IsDatacite() {
		if rec.DatacenterID == nil {
			return invalid("datacenter", "missing datacenter")
		}
		if rec.CrossrefMessage != "" {
			return invalid("crossrefMessage", "DataCite DOI has nonempty Crossref message")
		}
		return nil
	}
	switch {
	case rec.DatacenterID != nil:
		return invalid("_crossref", "Crossref registration is incompatible with shoulder")
	case !rec.Exported:
		return invalid("exported", "Crossref-registered identifier must be exported")
	case rec.IsReserved() != (rec.CrossrefStatus == model.CrossrefReserved):
		return invalid("status", "identifier status/Crossref status inconsistency")
	case rec.CrossrefStatus.IsGood() && rec.CrossrefMessage != "":
		return invalid("crossrefMessage", "non-problematic Crossref-registered DOI has nonempty Crossref message")
	}
	return nil
}

func (e *Engine) cleanTarget(rec *model.Identifier) error {
	if rec.Target == "" {
		rec.Target = e.cfg.URLs.DefaultTarget(rec.ID)
	}
	if strings.Contains(rec.Target, "${identifier}") {
		rec.Target = strings.ReplaceAll(rec.Target, "${identifier}", identifier.Quote(rec.ID))
	}
	if len(rec.Target) > MaxTargetLength {
		return invalid("target", "target URL is too long")
	}
	u, err := url.Parse(rec.Target)
	if err != nil || u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
		return invalid("target", "invalid target URL")
	}
	scheme, rest, _ := strings.Cut(rec.Target, ":")
	rec.Target = strings.ToLower(scheme) + ":" + rest
	return nil
}

func cleanMetadataKeys(rec *model.Identifier) error {
	var (
		cleaned metadata.Map
		err     error
	)
	rec.Metadata.Range(func(k, v string) bool {
		if k == "" || strings.TrimSpace(k) != k || strings.HasPrefix(k, "_") {
			err = invalid("metadata", "invalid citation metadata key")
			return false
		}
		if vs := strings.TrimSpace(v); vs != "" {
			cleaned.Set(k, vs)
		}
		return true
	})
	if err != nil {
		return err
	}
	rec.Metadata = cleaned
	return nil
}

func (e *Engine) cleanAgentPID(rec *model.Identifier) error {
	switch {
	case !rec.IsARK():
		return invalid("identifier", "agent PID is not an ARK")
	case rec.OwnerName != e.cfg.AdminUsername:
		return invalid("owner", "agent PID is not owned by the EZID administrator")
	case !rec.IsPublic():
		return invalid("status", "agent PID is not public")
	case rec.Exported:
		return invalid("exported", "agent PID is exported")
	case rec.Target != e.cfg.URLs.DefaultTarget(rec.ID):
		return invalid("target", "agent PID has non-default target URL")
	case e.policy.IsTest(rec.ID):
		return invalid("identifier", "agent PID is a test identifier")
	}
	return nil
}

func (e *Engine) checkRequirements(rec *model.Identifier) error {
	if rec.IsReserved() {
		return nil
	}
	if rec.IsDatacite() {
		if err := profile.CheckDataciteRequirements(rec.ID, rec.Metadata, rec.Profile); err != nil {
			return ezerr.New(ezerr.Invalid, "%v", err)
		}
	}
	if rec.IsCrossref() {
		if err := profile.CheckCrossrefRequirements(rec.Metadata); err != nil {
			return ezerr.New(ezerr.Invalid, "%v", err)
		}
	}
	return nil
}
