package dashboard_test

import (
	"os"
	"strings"
	"testing"
)

func readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

func TestDockerfileMultiStageBuild(t *testing.T) {
	content := readFile(t, "Dockerfile")

	// マルチステージビルドの確認: ビルドステージと実行ステージが存在すること
	if !strings.Contains(content, "FROM golang:") {
		t.Error("Dockerfile should contain a Go builder stage (FROM golang:)")
	}

	// 最終ステージは軽量イメージであること
	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "gcr.io/distroless") && !strings.Contains(lastFrom, "alpine") && !strings.Contains(lastFrom, "scratch") {
		t.Errorf("final stage should use a minimal base image (distroless/alpine/scratch), got: %s", lastFrom)
	}
}

func TestDockerfileBinary(t *testing.T) {
	content := readFile(t, "Dockerfile")

	// ./cmd/dashboard をビルドし、dashboardバイナリを起動すること
	if !strings.Contains(content, "./cmd/dashboard") {
		t.Error("Dockerfile should build ./cmd/dashboard")
	}
	if !strings.Contains(content, "ENTRYPOINT") || !strings.Contains(content, "dashboard\"]") {
		t.Error("Dockerfile should use the dashboard binary as ENTRYPOINT")
	}
}

// TestDockerComposeBackends はローカル開発用の各ドライバのバックエンドが定義されていることを検証する。
func TestDockerComposeBackends(t *testing.T) {
	content := readFile(t, "docker-compose.yml")

	for _, svc := range []string{"mongo:", "postgres:", "pushgateway:", "migrate:"} {
		if !strings.Contains(content, svc) {
			t.Errorf("docker-compose.yml should contain service %q", svc)
		}
	}
}

func TestDockerComposeMigrateUsesPostgres(t *testing.T) {
	content := readFile(t, "docker-compose.yml")

	// migrateサービスがpostgresドライバでmigrateサブコマンドを実行すること
	if !strings.Contains(content, `command: ["migrate"]`) {
		t.Error("migrate service should run the migrate subcommand")
	}
	if !strings.Contains(content, "DOCSTORE_DRIVER: postgres") {
		t.Error("migrate service should use the postgres driver")
	}
}
