package constants

// Default server configuration values
const (
	DefaultServerPort            = 8082
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	DefaultWebhookMaxSkewSec     = 300
)

// Default queue configuration values
const (
	DefaultQueueWorkers        = 2
	DefaultQueuePollIntervalMs = 500
	DefaultMaxRetryCount       = 3
	DefaultRetryDelaySec       = 60
	DefaultCompletedTTLDays    = 7
	DefaultDeadLetterPageSize  = 50
)

// Default adapter configuration values
const (
	DefaultHTTPTimeoutSec        = 30
	DefaultRetryDelayBaseMs      = 1000
	DefaultMessageIntervalMs     = 1000
	DefaultTokenExpirySlackSec   = 300
	DefaultCacheExpirationSec    = 60
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 60000
)
