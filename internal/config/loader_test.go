package config

import "testing"

func TestLoadFailsWithMissingFile(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("不存在的配置文件应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
VerifyTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsTopicLevelLease(t *testing.T) {
	cfg := `
LogLevel = "info"

[[Topic]]
Name = "alerts.lfi"
LeaseSeconds = 60
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("主题级租期应被拒绝")
	}
	if fe, ok := err.(FieldError); !ok || fe.Field != "Topic[alerts.lfi].LeaseSeconds" {
		t.Fatalf("应返回指向 LeaseSeconds 的 FieldError，得到 %v", err)
	}
}

func TestLoadNormalizesTopicNames(t *testing.T) {
	cfg := `
[[Topic]]
Name = "  Alerts.SSRF "
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Topics[0].Name != "alerts.ssrf" {
		t.Fatalf("主题名应被规范化，得到 %q", loaded.Topics[0].Name)
	}
}
