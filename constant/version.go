package constant

var (
	Version   = "1.0.0"
	BuildTime = "unknown time"
)
