package datastore

import "github.com/sirupsen/logrus"

// SortField 应用列表排序字段
type SortField string

const (
	SortByLabel       SortField = "label"
	SortByPackageName SortField = "package_name"
	SortByUpdateTime  SortField = "update_time"
)

// SelectedUser 界面当前选中的用户
type SelectedUser struct {
	UserID int `cbor:"user_id" json:"user_id"`
}

// SortOrder 应用列表排序
type SortOrder struct {
	Field      SortField `cbor:"field" json:"field"`
	Descending bool      `cbor:"descending" json:"descending"`
}

// AppFilter 应用列表过滤条件
type AppFilter struct {
	ShowSystemApps     bool   `cbor:"show_system_apps" json:"show_system_apps"`
	ShowConfiguredOnly bool   `cbor:"show_configured_only" json:"show_configured_only"`
	Query              string `cbor:"query" json:"query"`
}

// UseGlobalPreferences 为 true 时所有应用使用全局开关
type UseGlobalPreferences struct {
	Enabled bool `cbor:"enabled" json:"enabled"`
}

// 文件名
const (
	SelectedUserFile         = "selected_user.cbor"
	SortOrderFile            = "sort_order.cbor"
	AppFilterFile            = "app_filter.cbor"
	UseGlobalPreferencesFile = "use_global_preferences.cbor"
)

// Settings 应用级小设置集合
type Settings struct {
	SelectedUser         *Store[SelectedUser]
	SortOrder            *Store[SortOrder]
	AppFilter            *Store[AppFilter]
	UseGlobalPreferences *Store[UseGlobalPreferences]
}

// Open 打开 dir 下的全部设置文件
func Open(dir string, logger *logrus.Logger) *Settings {
	return &Settings{
		SelectedUser: New(dir, SelectedUserFile, func() SelectedUser {
			return SelectedUser{UserID: 0}
		}, logger),
		SortOrder: New(dir, SortOrderFile, func() SortOrder {
			return SortOrder{Field: SortByLabel}
		}, logger),
		AppFilter: New(dir, AppFilterFile, func() AppFilter {
			return AppFilter{}
		}, logger),
		UseGlobalPreferences: New(dir, UseGlobalPreferencesFile, func() UseGlobalPreferences {
			return UseGlobalPreferences{}
		}, logger),
	}
}
