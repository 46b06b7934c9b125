package backup

import "errors"

var (
	ErrTaskNotFound  = errors.New("backup task not found")
	ErrTaskExists    = errors.New("backup task already exists")
	ErrInvalidTask   = errors.New("invalid backup task")
	ErrTaskRunning   = errors.New("backup task is running")
	ErrManagerClosed = errors.New("backup manager is shut down")
)
