package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadTunables_Defaults(t *testing.T) {
	tun, err := LoadTunables()
	if err != nil {
		t.Fatalf("LoadTunables() вернул ошибку: %v", err)
	}
	if tun.MaxConcurrentOperationsPerUser != 4 || tun.MaxThreadsPerUser != 16 {
		t.Errorf("ограничения = %d/%d, хотели 4/16",
			tun.MaxConcurrentOperationsPerUser, tun.MaxThreadsPerUser)
	}
	for _, name := range DaemonNames {
		d := tun.Daemon(name)
		if !d.Enabled || d.IdleSleep != 5*time.Second {
			t.Errorf("Daemon(%q) = %+v", name, d)
		}
	}
	if d := tun.Daemon("unknown"); d.Enabled {
		t.Error("неизвестный обработчик включён")
	}
}

func TestLoadTunables_MasterSwitch(t *testing.T) {
	t.Setenv("EZ_DAEMONS_ENABLED", "false")
	t.Setenv("EZ_DAEMONS_CROSSREF_IDLE_SLEEP", "1m")

	tun, err := LoadTunables()
	if err != nil {
		t.Fatalf("LoadTunables() вернул ошибку: %v", err)
	}
	for _, name := range DaemonNames {
		if tun.Daemon(name).Enabled {
			t.Errorf("обработчик %q включён при EZ_DAEMONS_ENABLED=false", name)
		}
	}
	if tun.Daemon("crossref").IdleSleep != time.Minute {
		t.Errorf("IdleSleep = %v, хотели 1m", tun.Daemon("crossref").IdleSleep)
	}
}

func TestLoadTunables_Invalid(t *testing.T) {
	t.Setenv("EZ_MAX_CONCURRENT_OPERATIONS_PER_USER", "8")
	t.Setenv("EZ_MAX_THREADS_PER_USER", "4")
	if _, err := LoadTunables(); err == nil {
		t.Error("LoadTunables() не вернул ошибку при threads < concurrent")
	}
}

func TestTunablesCell_Reload(t *testing.T) {
	first := &Tunables{MaxBatchSize: 1}
	second := &Tunables{MaxBatchSize: 2}
	fail := false
	cell := NewTunablesCell(first, func() (*Tunables, error) {
		if fail {
			return nil, errors.New("сломано")
		}
		return second, nil
	})

	if cell.Load() != first {
		t.Fatal("Load() вернул не начальное значение")
	}
	if err := cell.Reload(); err != nil {
		t.Fatalf("Reload() вернул ошибку: %v", err)
	}
	if cell.Load().MaxBatchSize != 2 {
		t.Errorf("MaxBatchSize = %d, хотели 2", cell.Load().MaxBatchSize)
	}

	fail = true
	if err := cell.Reload(); err == nil {
		t.Error("Reload() не вернул ошибку")
	}
	if cell.Load() != second {
		t.Error("при ошибке значение должно сохраниться")
	}
}
