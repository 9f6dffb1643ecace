package mesh

import "errors"

var (
	ErrBadEntity    = errors.New("mesh: entity not in this mesh")
	ErrInvalid      = errors.New("mesh: invalid argument")
	ErrTagExists    = errors.New("mesh: tag already exists")
	ErrTagNotFound  = errors.New("mesh: tag not found")
	ErrTagInUse     = errors.New("mesh: tag still attached to entities")
	ErrInconsistent = errors.New("mesh: inconsistent partition data")
)
