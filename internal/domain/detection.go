package domain

// PackageInfo 已配置的目标应用，(package_name, user_id) 为主键
type PackageInfo struct {
	PackageName string `gorm:"primaryKey;type:varchar(255)" json:"package_name"`
	UserID      int    `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	AppID       int    `gorm:"not null;default:0" json:"app_id"`

	// 外键建在 detections 上，删除包时级联删除其检测配置
	Detections []Detection `gorm:"foreignKey:PackageName,UserID;references:PackageName,UserID;constraint:OnDelete:CASCADE" json:"-"`
}

func (PackageInfo) TableName() string {
	return "package_infos"
}

// Detection 单个包、单个检测方法的开关
// 没有对应行表示启用（默认隐藏）
type Detection struct {
	PackageName string `gorm:"primaryKey;type:varchar(255)" json:"package_name"`
	UserID      int    `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	MethodName  string `gorm:"primaryKey;type:varchar(128)" json:"method_name"`
	Enabled     bool   `gorm:"not null" json:"enabled"`
}

func (Detection) TableName() string {
	return "detections"
}

// GlobalDetection 不区分调用应用的全局开关
type GlobalDetection struct {
	MethodName string `gorm:"primaryKey;type:varchar(128)" json:"method_name"`
	Enabled    bool   `gorm:"not null" json:"enabled"`
}

func (GlobalDetection) TableName() string {
	return "global_detections"
}

// 表名常量，供失效通知使用
const (
	TablePackageInfos     = "package_infos"
	TableDetections       = "detections"
	TableGlobalDetections = "global_detections"
)
