package cfg

type Cfg struct {
	// Storage
	DBPath     string
	SourcesDir string
	PolicyFile string

	// Application configuration
	Port              string
	BaseUrl           string
	WorkerCount       int
	SchedulerInterval int
	APIAccessKey      string
	RequestsPerSecond float64
	SlackWebhookURL   string

	// Application metadata
	UserAgent       string
	DisplayTimezone string
	Debug           bool
	Version         string
}
