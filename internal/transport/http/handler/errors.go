package handler

const (
	errInternalServer = "Internal server error"
	errJobNotFound    = "Job not found"
	errJobNotPending  = "Job is not pending"
	errInvalidStatus  = "Invalid status value"
	errInvalidCursor  = "Invalid cursor"
)
