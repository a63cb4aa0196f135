package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/notdeveloper/notdeveloper-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultEnabled 没有存储行时的取值：默认隐藏
const DefaultEnabled = true

// ErrInvalidKey 包名、用户或方法名非法
var ErrInvalidKey = errors.New("invalid detection key")

// DetectionRepository 检测配置存储
type DetectionRepository interface {
	IsDetectionEnabled(ctx context.Context, packageName string, userID int, methodName string) (bool, error)
	InsertDetection(ctx context.Context, packageName string, userID int, methodName string, enabled bool) error
	// 原子读-取反-写，返回新值
	ToggleDetectionEnabled(ctx context.Context, packageName string, userID int, methodName string) (bool, error)
	EnableAllDetectionsForPackage(ctx context.Context, packageName string, userID int) error
	DisableAllDetectionsForPackage(ctx context.Context, packageName string, userID int) error
	// 注册包并启用全部检测，作为一个整体提交
	InitializePackage(ctx context.Context, packageName string, userID int, appID int) error
	DeletePackage(ctx context.Context, packageName string, userID int) error
	GetPackageInfo(ctx context.Context, packageName string, userID int) (*domain.PackageInfo, error)
	ListPackageInfos(ctx context.Context, packageName string) ([]domain.PackageInfo, error)
	ListPackageInfosByUser(ctx context.Context, userID int) ([]domain.PackageInfo, error)
	ListDetections(ctx context.Context) ([]domain.Detection, error)
	ClearAllData(ctx context.Context) error

	IsGlobalDetectionEnabled(ctx context.Context, methodName string) (bool, error)
	InsertGlobalDetection(ctx context.Context, methodName string, enabled bool) error
	ToggleGlobalDetectionEnabled(ctx context.Context, methodName string) (bool, error)
	ListGlobalDetections(ctx context.Context) ([]domain.GlobalDetection, error)

	// 实时订阅，ctx 取消后通道关闭
	IsDetectionEnabledFlow(ctx context.Context, packageName string, userID int, methodName string) <-chan bool
	GetPackageInfoFlow(ctx context.Context, packageName string) <-chan []domain.PackageInfo
	GetPackageInfosFlow(ctx context.Context, userID int) <-chan []domain.PackageInfo
	IsGlobalDetectionEnabledFlow(ctx context.Context, methodName string) <-chan bool
	// 任意检测相关表变更时发出信号
	ChangesFlow(ctx context.Context) <-chan struct{}
}

type detectionRepo struct {
	db      *gorm.DB
	tracker *InvalidationTracker
	methods []string
	locks   *keyedMutex
	logger  *logrus.Logger
}

// NewDetectionRepository 创建检测配置存储，methods 为全部已知检测方法
func NewDetectionRepository(db *gorm.DB, tracker *InvalidationTracker, methods []string, logger *logrus.Logger) DetectionRepository {
	return &detectionRepo{
		db:      db,
		tracker: tracker,
		methods: append([]string(nil), methods...),
		locks:   newKeyedMutex(),
		logger:  logger,
	}
}

func validate(packageName string, userID int, methodName string) error {
	if packageName == "" || userID < 0 || methodName == "" {
		return fmt.Errorf("%w: package=%q user=%d method=%q", ErrInvalidKey, packageName, userID, methodName)
	}
	return nil
}

func validatePackage(packageName string, userID int) error {
	if packageName == "" || userID < 0 {
		return fmt.Errorf("%w: package=%q user=%d", ErrInvalidKey, packageName, userID)
	}
	return nil
}

// enabledOrDefault 查询 enabled 列，不存在时回落到 DefaultEnabled。
// 所有读路径都经过这里。
func enabledOrDefault(tx *gorm.DB, model any, conds map[string]any) (bool, error) {
	var values []bool
	err := tx.Model(model).Where(conds).Limit(1).Pluck("enabled", &values).Error
	if err != nil {
		return false, err
	}
	if len(values) == 0 {
		return DefaultEnabled, nil
	}
	return values[0], nil
}

func detectionConds(packageName string, userID int, methodName string) map[string]any {
	return map[string]any{
		"package_name": packageName,
		"user_id":      userID,
		"method_name":  methodName,
	}
}

// ensurePackage 首次写入检测配置时补建包记录，appId 未知时为 0
func ensurePackage(tx *gorm.DB, packageName string, userID int) error {
	return tx.Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.PackageInfo{PackageName: packageName, UserID: userID}).Error
}

func upsertDetections(tx *gorm.DB, rows []domain.Detection) error {
	return tx.Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "package_name"}, {Name: "user_id"}, {Name: "method_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"enabled"}),
		}).
		Create(&rows).Error
}

func (r *detectionRepo) IsDetectionEnabled(ctx context.Context, packageName string, userID int, methodName string) (bool, error) {
	if err := validate(packageName, userID, methodName); err != nil {
		return false, err
	}
	return enabledOrDefault(r.db.WithContext(ctx), &domain.Detection{}, detectionConds(packageName, userID, methodName))
}

func (r *detectionRepo) InsertDetection(ctx context.Context, packageName string, userID int, methodName string, enabled bool) error {
	if err := validate(packageName, userID, methodName); err != nil {
		return err
	}

	return r.tracker.Transaction(ctx, r.db, func(tx *gorm.DB) error {
		if err := ensurePackage(tx, packageName, userID); err != nil {
			return err
		}
		return upsertDetections(tx, []domain.Detection{{
			PackageName: packageName,
			UserID:      userID,
			MethodName:  methodName,
			Enabled:     enabled,
		}})
	})
}

func (r *detectionRepo) ToggleDetectionEnabled(ctx context.Context, packageName string, userID int, methodName string) (bool, error) {
	if err := validate(packageName, userID, methodName); err != nil {
		return false, err
	}

	unlock := r.locks.Lock(fmt.Sprintf("d/%s/%d/%s", packageName, userID, methodName))
	defer unlock()

	var next bool
	err := r.tracker.Transaction(ctx, r.db, func(tx *gorm.DB) error {
		current, err := enabledOrDefault(tx, &domain.Detection{}, detectionConds(packageName, userID, methodName))
		if err != nil {
			return err
		}
		next = !current

		if err := ensurePackage(tx, packageName, userID); err != nil {
			return err
		}
		return upsertDetections(tx, []domain.Detection{{
			PackageName: packageName,
			UserID:      userID,
			MethodName:  methodName,
			Enabled:     next,
		}})
	})
	if err != nil {
		return false, err
	}

	r.logger.WithFields(logrus.Fields{
		"package": packageName,
		"user_id": userID,
		"method":  methodName,
		"enabled": next,
	}).Debug("Detection toggled")

	return next, nil
}

func (r *detectionRepo) setAll(ctx context.Context, packageName string, userID int, enabled bool) error {
	if err := validatePackage(packageName, userID); err != nil {
		return err
	}

	return r.tracker.Transaction(ctx, r.db, func(tx *gorm.DB) error {
		if err := ensurePackage(tx, packageName, userID); err != nil {
			return err
		}
		return r.upsertAll(tx, packageName, userID, enabled)
	})
}

func (r *detectionRepo) upsertAll(tx *gorm.DB, packageName string, userID int, enabled bool) error {
	if len(r.methods) == 0 {
		return nil
	}

	rows := make([]domain.Detection, len(r.methods))
	for i, m := range r.methods {
		rows[i] = domain.Detection{
			PackageName: packageName,
			UserID:      userID,
			MethodName:  m,
			Enabled:     enabled,
		}
	}
	return upsertDetections(tx, rows)
}

func (r *detectionRepo) EnableAllDetectionsForPackage(ctx context.Context, packageName string, userID int) error {
	return r.setAll(ctx, packageName, userID, true)
}

func (r *detectionRepo) DisableAllDetectionsForPackage(ctx context.Context, packageName string, userID int) error {
	return r.setAll(ctx, packageName, userID, false)
}

func (r *detectionRepo) InitializePackage(ctx context.Context, packageName string, userID int, appID int) error {
	if err := validatePackage(packageName, userID); err != nil {
		return err
	}

	err := r.tracker.Transaction(ctx, r.db, func(tx *gorm.DB) error {
		err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "package_name"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"app_id"}),
		}).Create(&domain.PackageInfo{PackageName: packageName, UserID: userID, AppID: appID}).Error
		if err != nil {
			return err
		}
		return r.upsertAll(tx, packageName, userID, true)
	})
	if err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"package": packageName,
		"user_id": userID,
		"app_id":  appID,
	}).Info("Package initialized")
	return nil
}

func (r *detectionRepo) DeletePackage(ctx context.Context, packageName string, userID int) error {
	if err := validatePackage(packageName, userID); err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Where("package_name = ? AND user_id = ?", packageName, userID).
		Delete(&domain.PackageInfo{}).Error
}

func (r *detectionRepo) GetPackageInfo(ctx context.Context, packageName string, userID int) (*domain.PackageInfo, error) {
	var info domain.PackageInfo
	err := r.db.WithContext(ctx).
		Where("package_name = ? AND user_id = ?", packageName, userID).
		First(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (r *detectionRepo) ListPackageInfos(ctx context.Context, packageName string) ([]domain.PackageInfo, error) {
	infos := []domain.PackageInfo{}
	err := r.db.WithContext(ctx).
		Where("package_name = ?", packageName).
		Order("user_id").
		Find(&infos).Error
	return infos, err
}

func (r *detectionRepo) ListPackageInfosByUser(ctx context.Context, userID int) ([]domain.PackageInfo, error) {
	infos := []domain.PackageInfo{}
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("package_name").
		Find(&infos).Error
	return infos, err
}

func (r *detectionRepo) ListDetections(ctx context.Context) ([]domain.Detection, error) {
	rows := []domain.Detection{}
	err := r.db.WithContext(ctx).
		Order("package_name, user_id, method_name").
		Find(&rows).Error
	return rows, err
}

// ClearAllData 清空包表，检测行随外键级联删除
func (r *detectionRepo) ClearAllData(ctx context.Context) error {
	err := r.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&domain.PackageInfo{}).Error
	if err != nil {
		return err
	}

	r.logger.Info("All package data cleared")
	return nil
}

func (r *detectionRepo) IsGlobalDetectionEnabled(ctx context.Context, methodName string) (bool, error) {
	if methodName == "" {
		return false, fmt.Errorf("%w: empty method", ErrInvalidKey)
	}
	return enabledOrDefault(r.db.WithContext(ctx), &domain.GlobalDetection{}, map[string]any{"method_name": methodName})
}

func upsertGlobal(tx *gorm.DB, methodName string, enabled bool) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "method_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled"}),
	}).Create(&domain.GlobalDetection{MethodName: methodName, Enabled: enabled}).Error
}

func (r *detectionRepo) InsertGlobalDetection(ctx context.Context, methodName string, enabled bool) error {
	if methodName == "" {
		return fmt.Errorf("%w: empty method", ErrInvalidKey)
	}
	return upsertGlobal(r.db.WithContext(ctx), methodName, enabled)
}

func (r *detectionRepo) ToggleGlobalDetectionEnabled(ctx context.Context, methodName string) (bool, error) {
	if methodName == "" {
		return false, fmt.Errorf("%w: empty method", ErrInvalidKey)
	}

	unlock := r.locks.Lock("g/" + methodName)
	defer unlock()

	var next bool
	err := r.tracker.Transaction(ctx, r.db, func(tx *gorm.DB) error {
		current, err := enabledOrDefault(tx, &domain.GlobalDetection{}, map[string]any{"method_name": methodName})
		if err != nil {
			return err
		}
		next = !current
		return upsertGlobal(tx, methodName, next)
	})
	return next, err
}

func (r *detectionRepo) ListGlobalDetections(ctx context.Context) ([]domain.GlobalDetection, error) {
	rows := []domain.GlobalDetection{}
	err := r.db.WithContext(ctx).Order("method_name").Find(&rows).Error
	return rows, err
}

func (r *detectionRepo) IsDetectionEnabledFlow(ctx context.Context, packageName string, userID int, methodName string) <-chan bool {
	return Watch(ctx, r.tracker, r.logger, func(ctx context.Context) (bool, error) {
		return r.IsDetectionEnabled(ctx, packageName, userID, methodName)
	}, domain.TableDetections)
}

func (r *detectionRepo) GetPackageInfoFlow(ctx context.Context, packageName string) <-chan []domain.PackageInfo {
	return Watch(ctx, r.tracker, r.logger, func(ctx context.Context) ([]domain.PackageInfo, error) {
		return r.ListPackageInfos(ctx, packageName)
	}, domain.TablePackageInfos)
}

func (r *detectionRepo) GetPackageInfosFlow(ctx context.Context, userID int) <-chan []domain.PackageInfo {
	return Watch(ctx, r.tracker, r.logger, func(ctx context.Context) ([]domain.PackageInfo, error) {
		return r.ListPackageInfosByUser(ctx, userID)
	}, domain.TablePackageInfos)
}

func (r *detectionRepo) IsGlobalDetectionEnabledFlow(ctx context.Context, methodName string) <-chan bool {
	return Watch(ctx, r.tracker, r.logger, func(ctx context.Context) (bool, error) {
		return r.IsGlobalDetectionEnabled(ctx, methodName)
	}, domain.TableGlobalDetections)
}

func (r *detectionRepo) ChangesFlow(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	signal, stop := r.tracker.Observe(domain.TablePackageInfos, domain.TableDetections, domain.TableGlobalDetections)

	go func() {
		defer close(out)
		defer stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out
}
