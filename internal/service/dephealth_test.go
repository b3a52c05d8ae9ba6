// dephealth_test.go — unit-тесты нормализации имён зависимостей и путей проверки.
package service

import (
	"testing"
)

// TestNormalizeDepName проверяет нормализацию имён зависимостей для dephealth.
func TestNormalizeDepName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "простое имя lowercase",
			input:    "datacite",
			expected: "datacite",
		},
		{
			name:     "верхний регистр",
			input:    "DataCite-MDS",
			expected: "datacite-mds",
		},
		{
			name:     "пробелы заменяются на дефис",
			input:    "crossref deposit api",
			expected: "crossref-deposit-api",
		},
		{
			name:     "спецсимволы заменяются на дефис",
			input:    "binder@prod#1.2",
			expected: "binder-prod-1-2",
		},
		{
			name:     "множественные дефисы коллапсируются",
			input:    "search---index",
			expected: "search-index",
		},
		{
			name:     "trim дефисов по краям",
			input:    "---binder---",
			expected: "binder",
		},
		{
			name:     "начинается с цифры — префикс dep-",
			input:    "1st-binder",
			expected: "dep-1st-binder",
		},
		{
			name:     "имя длиннее 63 символов обрезается",
			input:    "abcdefghijklmnopqrstuvwxyz-abcdefghijklmnopqrstuvwxyz-1234567890-extra",
			expected: "abcdefghijklmnopqrstuvwxyz-abcdefghijklmnopqrstuvwxyz-123456789",
		},
		{
			name:     "trailing дефис после обрезки удаляется",
			input:    "a-bcdefghijklmnopqrstuvwxyz-abcdefghijklmnopqrstuvwxyz-123456789",
			expected: "a-bcdefghijklmnopqrstuvwxyz-abcdefghijklmnopqrstuvwxyz-12345678",
		},
		{
			name:     "пустая строка → unknown-dep",
			input:    "",
			expected: "unknown-dep",
		},
		{
			name:     "unicode символы заменяются",
			input:    "индекс-1",
			expected: "dep-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeDepName(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizeDepName(%q) = %q, ожидалось %q", tt.input, result, tt.expected)
			}
		})
	}
}

// TestHealthPath проверяет выбор пути проверки нижестоящего сервиса.
func TestHealthPath(t *testing.T) {
	tests := []struct {
		name string
		dep  RemoteDependency
		want string
	}{
		{
			name: "явный путь",
			dep:  RemoteDependency{URL: "https://mds.datacite.org", HealthPath: "/heartbeat"},
			want: "/heartbeat",
		},
		{
			name: "path из URL",
			dep:  RemoteDependency{URL: "https://doi.crossref.org/servlet/deposit"},
			want: "/servlet/deposit",
		},
		{
			name: "без path — корень",
			dep:  RemoteDependency{URL: "http://binder:8080"},
			want: "/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := healthPath(tt.dep); got != tt.want {
				t.Errorf("healthPath(%+v) = %q, ожидалось %q", tt.dep, got, tt.want)
			}
		})
	}
}
