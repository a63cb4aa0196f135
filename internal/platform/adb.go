package platform

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CommandRunner 执行 adb 命令，测试时可替换
type CommandRunner func(ctx context.Context, args ...string) ([]byte, error)

func execRunner(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "adb", args...).CombinedOutput()
}

// ADB 通过 adb shell 访问设备上的隐藏 API
type ADB struct {
	target  string        // ADB 目标地址，空表示唯一已连接设备
	timeout time.Duration // 命令超时时间
	logger  *logrus.Logger
	run     CommandRunner

	connectOnce sync.Once
	connectErr  error
}

// NewADB 创建 adb 平台实现
func NewADB(target string, timeout time.Duration, logger *logrus.Logger) *ADB {
	return NewADBWithRunner(target, timeout, logger, execRunner)
}

// NewADBWithRunner 创建使用自定义命令执行器的 adb 平台实现
func NewADBWithRunner(target string, timeout time.Duration, logger *logrus.Logger, run CommandRunner) *ADB {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ADB{
		target:  target,
		timeout: timeout,
		logger:  logger,
		run:     run,
	}
}

// connect 网络设备只 connect 一次
func (a *ADB) connect(ctx context.Context) error {
	if !strings.Contains(a.target, ":") {
		return nil
	}

	a.connectOnce.Do(func() {
		output, err := a.run(ctx, "connect", a.target)
		if err != nil {
			a.connectErr = fmt.Errorf("adb connect failed: %w, output: %s", err, string(output))
			return
		}
		if strings.Contains(string(output), "failed") || strings.Contains(string(output), "unable") {
			a.connectErr = fmt.Errorf("adb connect failed: %s", strings.TrimSpace(string(output)))
			return
		}
		a.logger.WithField("target", a.target).Info("Connected to device")
	})
	return a.connectErr
}

// Shell 执行 shell 命令
func (a *ADB) Shell(ctx context.Context, command string) (string, error) {
	if err := a.connect(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	args := []string{}
	if a.target != "" {
		args = append(args, "-s", a.target)
	}
	args = append(args, "shell", command)

	output, err := a.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("shell command failed: %w, output: %s", err, string(output))
	}

	return strings.TrimRight(string(output), "\r\n"), nil
}

// GetSetting 读取 Settings 值
func (a *ADB) GetSetting(ctx context.Context, ns Namespace, key string, userID int) (string, error) {
	out, err := a.Shell(ctx, fmt.Sprintf("settings --user %d get %s %s", userID, ns, shellQuote(key)))
	if err != nil {
		return "", err
	}

	out = strings.TrimSpace(out)
	if out == "null" {
		return "", ErrSettingNotFound
	}
	return out, nil
}

// GetProperty 读取系统属性
func (a *ADB) GetProperty(ctx context.Context, key string) (string, error) {
	out, err := a.Shell(ctx, "getprop "+shellQuote(key))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ListUsers 列出设备用户
func (a *ADB) ListUsers(ctx context.Context) ([]UserInfo, error) {
	out, err := a.Shell(ctx, "pm list users")
	if err != nil {
		return nil, err
	}
	return parseUsers(out), nil
}

// ListApplications 列出指定用户已安装应用
func (a *ADB) ListApplications(ctx context.Context, userID int) ([]ApplicationInfo, error) {
	out, err := a.Shell(ctx, fmt.Sprintf("pm list packages -U --user %d", userID))
	if err != nil {
		return nil, err
	}
	return parsePackages(out, userID), nil
}

// NotifySettingChange 用当前值重新写入设置项，触发 SettingsProvider 的观察者通知
// 注意：部分系统版本在值未变化时会跳过通知
func (a *ADB) NotifySettingChange(ctx context.Context, ns Namespace, key string) error {
	current, err := a.GetSetting(ctx, ns, key, 0)
	if err != nil {
		return fmt.Errorf("read %s/%s before notify: %w", ns, key, err)
	}

	_, err = a.Shell(ctx, fmt.Sprintf("settings put %s %s %s", ns, shellQuote(key), shellQuote(current)))
	if err != nil {
		return fmt.Errorf("notify %s/%s: %w", ns, key, err)
	}

	a.logger.WithFields(logrus.Fields{
		"namespace": ns.String(),
		"key":       key,
	}).Debug("Settings change re-delivered")
	return nil
}

var userLine = regexp.MustCompile(`UserInfo\{(\d+):([^:]*):([0-9a-fA-F]+)\}`)

// parseUsers 解析 `pm list users` 输出，例如 "UserInfo{0:Owner:c13} running"
func parseUsers(out string) []UserInfo {
	var users []UserInfo
	for _, line := range strings.Split(out, "\n") {
		m := userLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		flags, _ := strconv.ParseInt(m[3], 16, 64)
		users = append(users, UserInfo{ID: id, Name: m[2], Flags: int(flags)})
	}
	return users
}

// parsePackages 解析 `pm list packages -U` 输出，例如 "package:com.example uid:10123"
func parsePackages(out string, userID int) []ApplicationInfo {
	var apps []ApplicationInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "package:") {
			continue
		}

		fields := strings.Fields(strings.TrimPrefix(line, "package:"))
		if len(fields) == 0 {
			continue
		}

		app := ApplicationInfo{PackageName: fields[0], UserID: userID}
		for _, f := range fields[1:] {
			if v, ok := strings.CutPrefix(f, "uid:"); ok {
				// 多用户共享 uid 时格式为 uid:10123,1010123
				v, _, _ = strings.Cut(v, ",")
				app.UID, _ = strconv.Atoi(v)
			}
		}
		app.AppID = AppID(app.UID)
		apps = append(apps, app)
	}
	return apps
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
