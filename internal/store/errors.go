package store

import "errors"

var (
	ErrProgressNotFound   = errors.New("progress record not found")
	ErrDuplicateProgress  = errors.New("progress record already exists for activity and user")
	ErrDefinitionNotFound = errors.New("activity definition not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrCourseNotFound     = errors.New("course not found")
	ErrCategoryNotFound   = errors.New("course category not found")
)
