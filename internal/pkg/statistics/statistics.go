package statistics

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/listahub/ListaPay/app/models"
	"github.com/listahub/ListaPay/internal/pkg/cache"
	"github.com/listahub/ListaPay/internal/pkg/database"
)

const (
	CacheKeySettledTotal = "statistics:payments:settled:total"
	CacheKeySettledDaily = "statistics:payments:settled:daily:%s" // Format with date YYYY-MM-DD
	CacheKeyRevenueDaily = "statistics:payments:revenue:daily:%s" // Format with date YYYY-MM-DD
	CacheKeyOpenPending  = "statistics:payments:open"
	CacheExpiration      = 30 * time.Minute
)

// StatisticsData holds the aggregate numbers shown on the ops dashboard.
type StatisticsData struct {
	SettledToday int   `json:"settled_today"`
	RevenueToday int64 `json:"revenue_today"`
	TotalSettled int   `json:"total_settled"`
	OpenPending  int   `json:"open_pending"`
}

var (
	lastCacheUpdate     time.Time
	cacheUpdateMutex    sync.Mutex
	cacheUpdateInterval = 5 * time.Minute
)

// ShouldUpdateCache reports whether the cached aggregates are older than the
// update interval.
func ShouldUpdateCache() bool {
	cacheUpdateMutex.Lock()
	defer cacheUpdateMutex.Unlock()

	return time.Since(lastCacheUpdate) > cacheUpdateInterval
}

// UpdateCacheIfNeeded refreshes the cached aggregates when they are stale.
func UpdateCacheIfNeeded() {
	if ShouldUpdateCache() {
		cacheUpdateMutex.Lock()
		defer cacheUpdateMutex.Unlock()

		log.Println("Updating payment statistics cache...")
		if err := UpdateStatisticsCache(); err != nil {
			log.Printf("Error updating payment statistics cache: %v", err)
		} else {
			lastCacheUpdate = time.Now()
		}
	}
}

// ResetCacheUpdateTimer forces the next read to refresh the cache.
func ResetCacheUpdateTimer() {
	cacheUpdateMutex.Lock()
	defer cacheUpdateMutex.Unlock()

	lastCacheUpdate = time.Time{}
}

// UpdateStatisticsCache recomputes all payment aggregates and stores them in
// the cache.
func UpdateStatisticsCache() error {
	db := database.GetDB()

	var totalSettled int64
	if err := db.Model(&models.PaymentTransaction{}).
		Where("status = ?", models.PaymentStatusSuccess).
		Count(&totalSettled).Error; err != nil {
		log.Printf("Error counting settled payments: %v", err)
		return err
	}

	today := time.Now().Format("2006-01-02")
	todayStart, _ := time.Parse("2006-01-02", today)
	todayEnd := todayStart.Add(24 * time.Hour)

	var settledToday int64
	if err := db.Model(&models.PaymentTransaction{}).
		Where("status = ? AND created_at BETWEEN ? AND ?", models.PaymentStatusSuccess, todayStart, todayEnd).
		Count(&settledToday).Error; err != nil {
		log.Printf("Error counting today's settled payments: %v", err)
		return err
	}

	var revenueToday int64
	if err := db.Model(&models.PaymentTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("status = ? AND created_at BETWEEN ? AND ?", models.PaymentStatusSuccess, todayStart, todayEnd).
		Scan(&revenueToday).Error; err != nil {
		log.Printf("Error summing today's settled amounts: %v", err)
		return err
	}

	var openPending int64
	if err := db.Model(&models.PaymentTransaction{}).
		Where("status IN ?", []models.PaymentStatus{models.PaymentStatusInitiated, models.PaymentStatusPending}).
		Count(&openPending).Error; err != nil {
		log.Printf("Error counting open payments: %v", err)
		return err
	}

	if err := cache.Set(CacheKeySettledTotal, strconv.FormatInt(totalSettled, 10), CacheExpiration); err != nil {
		log.Printf("Error caching total settled payments: %v", err)
		return err
	}
	if err := cache.Set(fmt.Sprintf(CacheKeySettledDaily, today), strconv.FormatInt(settledToday, 10), CacheExpiration); err != nil {
		log.Printf("Error caching today's settled payments: %v", err)
		return err
	}
	if err := cache.Set(fmt.Sprintf(CacheKeyRevenueDaily, today), strconv.FormatInt(revenueToday, 10), CacheExpiration); err != nil {
		log.Printf("Error caching today's revenue: %v", err)
		return err
	}
	if err := cache.Set(CacheKeyOpenPending, strconv.FormatInt(openPending, 10), CacheExpiration); err != nil {
		log.Printf("Error caching open payment count: %v", err)
		return err
	}

	log.Printf("Payment statistics updated: settled today %d, revenue today %d, total settled %d, open %d",
		settledToday, revenueToday, totalSettled, openPending)

	return nil
}

// GetTotalSettled returns the number of settled payments from cache or database.
func GetTotalSettled() int {
	val, err := cache.Get(CacheKeySettledTotal)
	if err != nil {
		var count int64
		db := database.GetDB()
		if err := db.Model(&models.PaymentTransaction{}).
			Where("status = ?", models.PaymentStatusSuccess).
			Count(&count).Error; err != nil {
			log.Printf("Error counting settled payments: %v", err)
			return 0
		}

		if err := cache.Set(CacheKeySettledTotal, strconv.FormatInt(count, 10), CacheExpiration); err != nil {
			log.Printf("Error caching total settled payments: %v", err)
		}

		return int(count)
	}

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}

	return int(count)
}

// GetSettledToday returns the number of payments settled today from cache or
// database.
func GetSettledToday() int {
	today := time.Now().Format("2006-01-02")
	dailyKey := fmt.Sprintf(CacheKeySettledDaily, today)

	val, err := cache.Get(dailyKey)
	if err != nil {
		var count int64
		db := database.GetDB()
		todayStart, _ := time.Parse("2006-01-02", today)
		todayEnd := todayStart.Add(24 * time.Hour)

		if err := db.Model(&models.PaymentTransaction{}).
			Where("status = ? AND created_at BETWEEN ? AND ?", models.PaymentStatusSuccess, todayStart, todayEnd).
			Count(&count).Error; err != nil {
			log.Printf("Error counting today's settled payments: %v", err)
			return 0
		}

		if err := cache.Set(dailyKey, strconv.FormatInt(count, 10), CacheExpiration); err != nil {
			log.Printf("Error caching today's settled payments: %v", err)
		}

		return int(count)
	}

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}

	return int(count)
}

// GetRevenueToday returns today's settled amount (minor units) from cache or
// database.
func GetRevenueToday() int64 {
	today := time.Now().Format("2006-01-02")
	dailyKey := fmt.Sprintf(CacheKeyRevenueDaily, today)

	val, err := cache.Get(dailyKey)
	if err != nil {
		var sum int64
		db := database.GetDB()
		todayStart, _ := time.Parse("2006-01-02", today)
		todayEnd := todayStart.Add(24 * time.Hour)

		if err := db.Model(&models.PaymentTransaction{}).
			Select("COALESCE(SUM(amount), 0)").
			Where("status = ? AND created_at BETWEEN ? AND ?", models.PaymentStatusSuccess, todayStart, todayEnd).
			Scan(&sum).Error; err != nil {
			log.Printf("Error summing today's settled amounts: %v", err)
			return 0
		}

		if err := cache.Set(dailyKey, strconv.FormatInt(sum, 10), CacheExpiration); err != nil {
			log.Printf("Error caching today's revenue: %v", err)
		}

		return sum
	}

	sum, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}

	return sum
}

// GetOpenPending returns the number of unsettled payments from cache or
// database.
func GetOpenPending() int {
	val, err := cache.Get(CacheKeyOpenPending)
	if err != nil {
		var count int64
		db := database.GetDB()
		if err := db.Model(&models.PaymentTransaction{}).
			Where("status IN ?", []models.PaymentStatus{models.PaymentStatusInitiated, models.PaymentStatusPending}).
			Count(&count).Error; err != nil {
			log.Printf("Error counting open payments: %v", err)
			return 0
		}

		if err := cache.Set(CacheKeyOpenPending, strconv.FormatInt(count, 10), CacheExpiration); err != nil {
			log.Printf("Error caching open payment count: %v", err)
		}

		return int(count)
	}

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}

	return int(count)
}

// GetStatisticsData returns all dashboard aggregates, refreshing the cache
// when it is stale.
func GetStatisticsData() StatisticsData {
	UpdateCacheIfNeeded()

	return StatisticsData{
		SettledToday: GetSettledToday(),
		RevenueToday: GetRevenueToday(),
		TotalSettled: GetTotalSettled(),
		OpenPending:  GetOpenPending(),
	}
}
