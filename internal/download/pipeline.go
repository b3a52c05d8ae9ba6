// Пакет download — конвейер пакетных выгрузок.
//
// Строка очереди выгрузок проходит этапы create → harvest → compress →
// delete → move → notify. Каждый этап оставляет на диске согласованный
// результат и фиксирует переход в БД, поэтому после перезапуска работа
// продолжается с зафиксированного этапа, а сбор записей — с курсора lastId.
//
// Файлы:
//   - <work>/<filename>.<txt|csv|xml> — несжатая выгрузка;
//   - <work>/<filename>.<ext>.gz | <filename>.zip — сжатая выгрузка;
//   - <public>/<filename>.request — имя запросившего и исходный запрос.
//
// Prometheus-метрики:
//   - ezid_download_stage_duration_seconds — длительность этапов;
//   - ezid_download_records_total — количество выгруженных записей.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/retry"

	"github.com/bigkaa/goezid/internal/config"
	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/mailer"
	"github.com/bigkaa/goezid/internal/objstore"
	"github.com/bigkaa/goezid/internal/repository"
	"github.com/bigkaa/goezid/internal/worker"
)

var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ezid_download_stage_duration_seconds",
		Help:    "Длительность этапов конвейера выгрузки",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"stage"})

	recordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezid_download_records_total",
		Help: "Количество записей, выгруженных в файлы",
	})
)

// DaemonName — имя обработчика в параметрах Tunables.
const DaemonName = "download"

const defaultPageSize = 1000

// Config — параметры конвейера.
type Config struct {
	// WorkDir — каталог промежуточных файлов
	WorkDir string
	// PublicDir — каталог файлов-спутников (и опубликованных файлов
	// при локальном хранилище)
	PublicDir string
	// LinkBase — основа ссылки в письме ({LinkBase}/{имя файла})
	LinkBase string
	// PageSize — размер страницы при сборе записей
	PageSize int
	// FileLifetime — возраст, после которого файлы каталогов удаляются
	FileLifetime time.Duration
	// Tests — тестовые плечи для ограничения permanence
	Tests identifier.TestShoulders
}

// Pipeline — обработчик очереди выгрузок. Запросы обрабатываются
// строго по одному.
type Pipeline struct {
	store    repository.Store
	objects  objstore.Store
	mail     mailer.Sender
	tunables *config.TunablesCell
	cfg      Config
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New создаёт конвейер выгрузок.
func New(
	store repository.Store,
	objects objstore.Store,
	mail mailer.Sender,
	tunables *config.TunablesCell,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	return &Pipeline{
		store:    store,
		objects:  objects,
		mail:     mail,
		tunables: tunables,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "download")),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Name возвращает имя обработчика.
func (p *Pipeline) Name() string { return DaemonName }

// Run обрабатывает очередь выгрузок до отмены ctx. На каждой итерации
// также удаляются устаревшие файлы.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("Конвейер выгрузок запущен",
		slog.String("work_dir", p.cfg.WorkDir),
		slog.String("public_dir", p.cfg.PublicDir),
	)
	defer p.logger.Info("Конвейер выгрузок остановлен")

	var (
		failures int
		backoff  retry.Iterator
	)
	for ctx.Err() == nil {
		t := p.tunables.Load()
		d := t.Daemon(DaemonName)
		idle := d.IdleSleep
		if idle <= 0 {
			idle = 5 * time.Second
		}
		if !d.Enabled {
			if p.sleep(ctx, idle) != nil {
				break
			}
			continue
		}

		p.Reap()
		did, err := p.RunOnce(ctx)

		var wait time.Duration
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			failures++
			if backoff == nil {
				backoff = worker.NewBackoff(idle, t.BackoffCap)
			}
			wait = backoff.Next(ctx, err)
			p.logger.Error("Ошибка конвейера выгрузок",
				slog.String("error", err.Error()),
				slog.Int("failures", failures),
				slog.Duration("wait", wait),
			)
		case !did:
			failures, backoff = 0, nil
			wait = idle
		default:
			failures, backoff = 0, nil
		}
		if wait > 0 && p.sleep(ctx, wait) != nil {
			break
		}
	}
	return nil
}

// RunOnce выполняет текущий этап первой строки очереди. did=false —
// очередь пуста. Ошибка этапа записывается в строку, строка остаётся
// на этапе до следующей попытки.
func (p *Pipeline) RunOnce(ctx context.Context) (did bool, err error) {
	d, err := p.store.Repos().Downloads.Next(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("чтение очереди выгрузок: %w", err)
	}

	stage := d.Stage
	start := time.Now()
	err = p.runStage(ctx, d)
	stageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		d.Error = err.Error()
		if serr := p.store.Repos().Downloads.SaveProgress(ctx, d); serr != nil {
			p.logger.Error("Ошибка сохранения строки выгрузки",
				slog.Int64("seq", d.Seq),
				slog.String("error", serr.Error()),
			)
		}
		return true, err
	}
	return true, nil
}

func (p *Pipeline) runStage(ctx context.Context, d *model.DownloadRequest) error {
	switch d.Stage {
	case model.StageCreate:
		return p.create(ctx, d)
	case model.StageHarvest:
		return p.harvest(ctx, d)
	case model.StageCompress:
		return p.compress(ctx, d)
	case model.StageDelete:
		return p.deleteUncompressed(ctx, d)
	case model.StageMove:
		return p.move(ctx, d)
	case model.StageNotify:
		return p.notify(ctx, d)
	}
	return fmt.Errorf("batch download error: неизвестный этап %q", d.Stage)
}

func wrap(what string, err error) error {
	return fmt.Errorf("batch download error: %s: %w", what, err)
}

// Пути файлов выгрузки.
func (p *Pipeline) uncompressedPath(d *model.DownloadRequest) string {
	return filepath.Join(p.cfg.WorkDir, d.FileName())
}

func (p *Pipeline) compressedPath(d *model.DownloadRequest) string {
	return filepath.Join(p.cfg.WorkDir, d.CompressedName())
}

func (p *Pipeline) sidecarPath(d *model.DownloadRequest) string {
	return filepath.Join(p.cfg.PublicDir, d.Filename+".request")
}

// advance переводит строку на следующий этап.
func (p *Pipeline) advance(ctx context.Context, d *model.DownloadRequest) error {
	d.Stage = d.Stage.Next()
	d.Error = ""
	if err := p.store.Repos().Downloads.SaveProgress(ctx, d); err != nil {
		return fmt.Errorf("сохранение этапа выгрузки %d: %w", d.Seq, err)
	}
	return nil
}

// create создаёт файл и записывает заголовок формата.
func (p *Pipeline) create(ctx context.Context, d *model.DownloadRequest) error {
	head, err := header(d)
	if err != nil {
		return wrap("error creating file", err)
	}
	f, err := os.OpenFile(p.uncompressedPath(d), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return wrap("error creating file", err)
	}
	defer f.Close()
	if _, err := io.WriteString(f, head); err != nil {
		return wrap("error creating file", err)
	}
	if err := f.Sync(); err != nil {
		return wrap("error creating file", err)
	}
	d.FileSize = int64(len(head))
	return p.advance(ctx, d)
}

// harvest дописывает в файл записи владельцев, начиная с зафиксированной
// позиции. Всё, что записано после FileSize, отбрасывается.
func (p *Pipeline) harvest(ctx context.Context, d *model.DownloadRequest) error {
	path := p.uncompressedPath(d)
	fi, err := os.Stat(path)
	if err != nil {
		return wrap("error re-opening/seeking/truncating file", err)
	}
	if fi.Size() < d.FileSize {
		return wrap("error re-opening/seeking/truncating file", fmt.Errorf("file is short: %d < %d", fi.Size(), d.FileSize))
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return wrap("error re-opening/seeking/truncating file", err)
	}
	defer f.Close()
	if err := f.Truncate(d.FileSize); err != nil {
		return wrap("error re-opening/seeking/truncating file", err)
	}
	if _, err := f.Seek(d.FileSize, io.SeekStart); err != nil {
		return wrap("error re-opening/seeking/truncating file", err)
	}

	start := d.CurrentIndex
	for i := start; i < len(d.ToHarvest); i++ {
		if i > start {
			d.CurrentIndex, d.LastID = i, ""
			if err := p.store.Repos().Downloads.SaveProgress(ctx, d); err != nil {
				return fmt.Errorf("сохранение прогресса выгрузки %d: %w", d.Seq, err)
			}
		}
		if err := p.harvestOwner(ctx, f, d); err != nil {
			return err
		}
	}

	if d.Format == model.FormatXML {
		if _, err := io.WriteString(f, xmlFooter); err != nil {
			return wrap("error writing file footer", err)
		}
		if err := f.Sync(); err != nil {
			return wrap("error writing file footer", err)
		}
	}
	return p.advance(ctx, d)
}

// harvestOwner выгружает записи текущего владельца страницами по
// возрастанию идентификатора. После каждой страницы файл сбрасывается
// на диск и фиксируются (LastID, FileSize).
func (p *Pipeline) harvestOwner(ctx context.Context, f *os.File, d *model.DownloadRequest) error {
	repos := p.store.Repos()
	owner := d.CurrentOwner()
	u, err := repos.Principals.GetUserByUsername(ctx, owner)
	if errors.Is(err, repository.ErrNotFound) {
		p.logger.Warn("Владелец выгрузки не найден, пропущен",
			slog.Int64("seq", d.Seq),
			slog.String("owner", owner),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("владелец выгрузки %s: %w", owner, err)
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("Сбор записей прерван", slog.Int64("seq", d.Seq), slog.String("owner", owner))
			return err
		}
		page, err := repos.Identifiers.Iterate(ctx, repository.IterateFilter{
			OwnerID: &u.ID,
			AfterID: d.LastID,
			Limit:   p.cfg.PageSize,
		})
		if err != nil {
			return fmt.Errorf("чтение записей %s: %w", owner, err)
		}
		if len(page) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		cw := &countingWriter{w: f, n: d.FileSize}
		for _, r := range page {
			if !Matches(&d.Constraints, r, p.cfg.Tests) {
				continue
			}
			m := recordMetadata(r, d.Options.ConvertTimestamps)
			if err := writeRecord(cw, d, r, m, cw.n == 0); err != nil {
				return wrap("error writing file", err)
			}
			total++
		}
		if err := f.Sync(); err != nil {
			return wrap("error writing file", err)
		}
		recordsTotal.Add(float64(total))

		d.LastID = page[len(page)-1].ID
		d.FileSize = cw.n
		if err := repos.Downloads.SaveProgress(ctx, d); err != nil {
			return fmt.Errorf("сохранение прогресса выгрузки %d: %w", d.Seq, err)
		}
		total = 0
	}
	p.logger.Info("Записи владельца выгружены",
		slog.Int64("seq", d.Seq),
		slog.String("owner", owner),
		slog.Int64("file_size", d.FileSize),
	)
	return nil
}

// countingWriter считает позицию в файле.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

// compress сжимает выгрузку. Недописанный результат прошлой попытки
// удаляется.
func (p *Pipeline) compress(ctx context.Context, d *model.DownloadRequest) error {
	out := p.compressedPath(d)
	if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
		return wrap("error compressing file", err)
	}
	if err := compressFile(p.uncompressedPath(d), out, d); err != nil {
		os.Remove(out)
		return wrap("error compressing file", err)
	}
	return p.advance(ctx, d)
}

func compressFile(src, dst string, d *model.DownloadRequest) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	if d.Compression == model.CompressionZip {
		zw := zip.NewWriter(out)
		hdr := &zip.FileHeader{Name: d.FileName(), Method: zip.Deflate, Modified: fi.ModTime()}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, in); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
	} else {
		gw := gzip.NewWriter(out)
		gw.Name = d.FileName()
		gw.ModTime = fi.ModTime()
		if _, err := io.Copy(gw, in); err != nil {
			return err
		}
		if err := gw.Close(); err != nil {
			return err
		}
	}
	return out.Sync()
}

// deleteUncompressed удаляет несжатый файл.
func (p *Pipeline) deleteUncompressed(ctx context.Context, d *model.DownloadRequest) error {
	if err := os.Remove(p.uncompressedPath(d)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return wrap("error deleting uncompressed file", err)
	}
	return p.advance(ctx, d)
}

// move публикует сжатый файл. Если файла уже нет, он должен быть
// опубликован прошлой попыткой.
func (p *Pipeline) move(ctx context.Context, d *model.DownloadRequest) error {
	src := p.compressedPath(d)
	_, err := os.Stat(src)
	switch {
	case err == nil:
		if err := p.objects.Put(ctx, src, d.CompressedName()); err != nil {
			return wrap("error moving compressed file", err)
		}
	case errors.Is(err, os.ErrNotExist):
		ok, err := p.objects.Exists(ctx, d.CompressedName())
		if err != nil {
			return wrap("error moving compressed file", err)
		}
		if !ok {
			return wrap("error moving compressed file", errors.New("file has disappeared"))
		}
	default:
		return wrap("error moving compressed file", err)
	}
	return p.advance(ctx, d)
}

var addressRE = regexp.MustCompile(`^(.*)<([^>]*)>$`)

// splitAddress разбирает "Имя <адрес>". Без имени salutation пуст.
func splitAddress(s string) (salutation, addr string) {
	if m := addressRE.FindStringSubmatch(s); m != nil {
		name, a := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		if name != "" && a != "" {
			return "Dear " + name + ",\n\n", a
		}
	}
	return "", s
}

// notify пишет файл-спутник, рассылает ссылку и удаляет строку.
func (p *Pipeline) notify(ctx context.Context, d *model.DownloadRequest) error {
	sidecar := d.Requestor + "\n" + d.RawRequest + "\n"
	if err := os.WriteFile(p.sidecarPath(d), []byte(sidecar), 0o644); err != nil {
		return wrap("error writing sidecar file", err)
	}

	link := strings.TrimRight(p.cfg.LinkBase, "/") + "/" + d.CompressedName()
	for _, to := range d.Notify {
		salutation, addr := splitAddress(to)
		text := salutation +
			"Thank you for using EZID to easily create and manage your identifiers. " +
			"The batch download you requested is available at:\n\n" +
			link + "\n\n" +
			"The download will be deleted in " + lifetimeText(p.cfg.FileLifetime) + ".\n\n" +
			"Best,\nEZID Team\n\n" +
			"This is an automated email. Please do not reply.\n"
		err := p.mail.Send(ctx, &mailer.Mail{
			To:      []string{addr},
			Subject: "Your EZID batch download link",
			Text:    text,
		})
		if err != nil {
			return wrap("error sending email", err)
		}
	}

	if err := p.store.Repos().Downloads.Delete(ctx, d.Seq); err != nil {
		return fmt.Errorf("удаление строки выгрузки %d: %w", d.Seq, err)
	}
	p.logger.Info("Выгрузка готова",
		slog.Int64("seq", d.Seq),
		slog.String("requestor", d.Requestor),
		slog.String("link", link),
	)
	return nil
}

func lifetimeText(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	switch {
	case days == 7:
		return "1 week"
	case days == 1:
		return "1 day"
	case days > 1:
		return fmt.Sprintf("%d days", days)
	}
	return d.String()
}

// Reap удаляет из рабочего и публичного каталогов обычные файлы старше
// FileLifetime. Подкаталоги не обходятся.
func (p *Pipeline) Reap() {
	if p.cfg.FileLifetime <= 0 {
		return
	}
	cutoff := p.now().Add(-p.cfg.FileLifetime)
	for _, dir := range []string{p.cfg.WorkDir, p.cfg.PublicDir} {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			p.logger.Warn("Ошибка чтения каталога выгрузок",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			fi, err := e.Info()
			if err != nil || !fi.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil {
				p.logger.Warn("Ошибка удаления устаревшего файла",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				continue
			}
			p.logger.Debug("Устаревший файл удалён", slog.String("path", path))
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	return clock.Sleep(ctx, d).Err
}
