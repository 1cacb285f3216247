package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Port      string `yaml:"port" validate:"required"`
	DBPath    string `yaml:"db_path" validate:"required"`
	JWTSecret string `yaml:"jwt_secret" validate:"required,min=8"`
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn warning error"`

	API        APIConfig        `yaml:"api"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Network    NetworkConfig    `yaml:"network"`
	Routing    RoutingConfig    `yaml:"routing"`
	Reroute    RerouteConfig    `yaml:"reroute"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Prediction PredictionConfig `yaml:"prediction"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Cycles     CycleConfig      `yaml:"cycles"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// APIConfig HTTP 接口
type APIConfig struct {
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gt=0"`
	Burst         int           `yaml:"burst" validate:"gt=0"`
	IdleTTL       time.Duration `yaml:"idle_ttl" validate:"gt=0"`
}

// IngestConfig 遥测写入
type IngestConfig struct {
	SessionWindow       time.Duration `yaml:"session_window" validate:"gt=0"`
	OutOfOrderTolerance time.Duration `yaml:"out_of_order_tolerance" validate:"gte=0"`
	RatePerSecond       float64       `yaml:"rate_per_second" validate:"gt=0"`
	Burst               int           `yaml:"burst" validate:"gt=0"`
	MaxBatch            int           `yaml:"max_batch" validate:"gt=0"`
}

// NetworkConfig 公交网络
type NetworkConfig struct {
	StaticPath          string        `yaml:"static_path"`
	TripUpdatesURL      string        `yaml:"trip_updates_url" validate:"omitempty,url"`
	VehiclePositionsURL string        `yaml:"vehicle_positions_url" validate:"omitempty,url"`
	ServiceAlertsURL    string        `yaml:"service_alerts_url" validate:"omitempty,url"`
	StaticRefresh       time.Duration `yaml:"static_refresh" validate:"gt=0"`
	RealtimeRefresh     time.Duration `yaml:"realtime_refresh" validate:"gt=0"`
	MaxStaleness        time.Duration `yaml:"max_staleness" validate:"gt=0"`
	LiveTTL             time.Duration `yaml:"live_ttl" validate:"gt=0"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	TransferRadius      float64       `yaml:"transfer_radius_m" validate:"gte=0"`
	PlatformCapacity    int           `yaml:"platform_capacity" validate:"gte=0"`
	LinkCapacity        int           `yaml:"link_capacity" validate:"gte=0"`
}

// RoutingConfig A* 与 MAPF
type RoutingConfig struct {
	WalkSpeed         float64       `yaml:"walk_speed_mps" validate:"gt=0"`
	MaxSpeed          float64       `yaml:"max_speed_mps" validate:"gt=0"`
	MaxWalk           float64       `yaml:"max_walk_m" validate:"gt=0"`
	AccessK           int           `yaml:"access_k" validate:"gt=0"`
	StopDwell         time.Duration `yaml:"stop_dwell" validate:"gte=0"`
	MAPFMaxIterations int           `yaml:"mapf_max_iterations" validate:"gt=0"`
	MAPFBudget        time.Duration `yaml:"mapf_budget" validate:"gt=0"`
	MAPFMaxDelay      time.Duration `yaml:"mapf_max_delay" validate:"gte=0"`
	MAPFDelayStep     time.Duration `yaml:"mapf_delay_step" validate:"gt=0"`
	MAPFPenalty       float64       `yaml:"mapf_penalty_m" validate:"gte=0"`
}

// RerouteConfig 偏离检测
type RerouteConfig struct {
	DirectThreshold     float64       `yaml:"direct_threshold_m" validate:"gt=0"`
	MultimodalThreshold float64       `yaml:"multimodal_threshold_m" validate:"gt=0"`
	Streak              int           `yaml:"streak" validate:"gt=0"`
	BoardingMin         time.Duration `yaml:"boarding_min" validate:"gte=0"`
	BoardingMax         time.Duration `yaml:"boarding_max" validate:"gtfield=BoardingMin"`
	Parallelism         int           `yaml:"parallelism" validate:"gt=0"`
}

// AggregatorConfig 轨迹、POI、热点
type AggregatorConfig struct {
	DwellRadius      float64       `yaml:"dwell_radius_m" validate:"gt=0"`
	MinDwell         time.Duration `yaml:"min_dwell" validate:"gt=0"`
	GeohashPrecision int           `yaml:"geohash_precision" validate:"min=5,max=9"`
	HotspotHorizon   time.Duration `yaml:"hotspot_horizon" validate:"gt=0"`
	HotspotEps       float64       `yaml:"hotspot_eps_m" validate:"gt=0"`
	HotspotMinPoints int           `yaml:"hotspot_min_points" validate:"gt=0"`
	PatternClusters  int           `yaml:"pattern_clusters" validate:"gt=0"`
	PatternHistory   int           `yaml:"pattern_history" validate:"gt=0"`
	MatchWindow      time.Duration `yaml:"match_window" validate:"gt=0"`
	BatchSize        int           `yaml:"batch_size" validate:"gt=0"`
	Parallelism      int           `yaml:"parallelism" validate:"gt=0"`
}

// PredictionConfig 预测
type PredictionConfig struct {
	MaxCandidates int     `yaml:"max_candidates" validate:"gt=0"`
	PatternRadius float64 `yaml:"pattern_radius_deg" validate:"gt=0"`
	PatternWeight float64 `yaml:"pattern_weight" validate:"gte=1"`
}

// ScheduleConfig 周计划
type ScheduleConfig struct {
	MatchRadius float64       `yaml:"match_radius_m" validate:"gt=0"`
	Lookback    time.Duration `yaml:"lookback" validate:"gt=0"`
}

// CycleConfig 批处理周期
type CycleConfig struct {
	Trajectory     time.Duration `yaml:"trajectory" validate:"gt=0"`
	Hotspot        time.Duration `yaml:"hotspot" validate:"gt=0"`
	Patterns       time.Duration `yaml:"patterns" validate:"gt=0"`
	DepartureMatch time.Duration `yaml:"departure_match" validate:"gt=0"`
	Prediction     time.Duration `yaml:"prediction" validate:"gt=0"`
	Planning       time.Duration `yaml:"planning" validate:"gt=0"`
	MAPF           time.Duration `yaml:"mapf" validate:"gt=0"`
	Deviation      time.Duration `yaml:"deviation" validate:"gt=0"`
	Schedule       time.Duration `yaml:"schedule" validate:"gt=0"`
	Retention      time.Duration `yaml:"retention" validate:"gt=0"`
	Budget         time.Duration `yaml:"budget" validate:"gt=0"`
}

// RetentionConfig 数据保留
type RetentionConfig struct {
	TTL       time.Duration `yaml:"ttl" validate:"gt=0"`
	TaskTTL   time.Duration `yaml:"task_ttl" validate:"gt=0"`
	BatchSize int           `yaml:"batch_size" validate:"gt=0"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Port:      ":8080",
		DBPath:    "./data/urbanos.db",
		JWTSecret: "your-secret-key-change-in-production",
		LogLevel:  "info",
		API: APIConfig{
			RatePerSecond: 50,
			Burst:         200,
			IdleTTL:       10 * time.Minute,
		},
		Ingest: IngestConfig{
			SessionWindow:       time.Hour,
			OutOfOrderTolerance: 2 * time.Minute,
			RatePerSecond:       20,
			Burst:               100,
			MaxBatch:            500,
		},
		Network: NetworkConfig{
			StaticPath:       "./data/gtfs.zip",
			StaticRefresh:    24 * time.Hour,
			RealtimeRefresh:  15 * time.Second,
			MaxStaleness:     48 * time.Hour,
			LiveTTL:          10 * time.Minute,
			FetchTimeout:     10 * time.Second,
			TransferRadius:   250,
			PlatformCapacity: 4,
		},
		Routing: RoutingConfig{
			WalkSpeed:         1.4,
			MaxSpeed:          35,
			MaxWalk:           1500,
			AccessK:           4,
			StopDwell:         time.Minute,
			MAPFMaxIterations: 200,
			MAPFBudget:        20 * time.Second,
			MAPFMaxDelay:      10 * time.Minute,
			MAPFDelayStep:     time.Minute,
			MAPFPenalty:       100,
		},
		Reroute: RerouteConfig{
			DirectThreshold:     35,
			MultimodalThreshold: 60,
			Streak:              1,
			BoardingMin:         40 * time.Second,
			BoardingMax:         90 * time.Second,
			Parallelism:         8,
		},
		Aggregator: AggregatorConfig{
			DwellRadius:      50,
			MinDwell:         590 * time.Second,
			GeohashPrecision: 7,
			HotspotHorizon:   7 * 24 * time.Hour,
			HotspotEps:       100,
			HotspotMinPoints: 5,
			PatternClusters:  8,
			PatternHistory:   50,
			MatchWindow:      30 * time.Minute,
			BatchSize:        200,
			Parallelism:      4,
		},
		Prediction: PredictionConfig{
			MaxCandidates: 5,
			PatternRadius: 0.002,
			PatternWeight: 1.5,
		},
		Schedule: ScheduleConfig{
			MatchRadius: 30,
			Lookback:    7 * 24 * time.Hour,
		},
		Cycles: CycleConfig{
			Trajectory:     time.Minute,
			Hotspot:        time.Hour,
			Patterns:       6 * time.Hour,
			DepartureMatch: 5 * time.Minute,
			Prediction:     26 * time.Hour,
			Planning:       time.Minute,
			MAPF:           time.Minute,
			Deviation:      5 * time.Second,
			Schedule:       time.Hour,
			Retention:      24 * time.Hour,
			Budget:         45 * time.Second,
		},
		Retention: RetentionConfig{
			TTL:       28 * 24 * time.Hour,
			TaskTTL:   48 * time.Hour,
			BatchSize: 2000,
		},
	}
}

// Load 加载配置: 默认值 -> YAML 文件 -> 环境变量, 最后校验
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env.local")

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GTFS_STATIC_PATH"); v != "" {
		cfg.Network.StaticPath = v
	}
	if v := os.Getenv("GTFS_RT_TRIP_UPDATES_URL"); v != "" {
		cfg.Network.TripUpdatesURL = v
	}
	if v := os.Getenv("GTFS_RT_VEHICLE_POSITIONS_URL"); v != "" {
		cfg.Network.VehiclePositionsURL = v
	}
	if v := os.Getenv("GTFS_RT_SERVICE_ALERTS_URL"); v != "" {
		cfg.Network.ServiceAlertsURL = v
	}
	if v := os.Getenv("PLATFORM_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Network.PlatformCapacity = n
		}
	}
}
