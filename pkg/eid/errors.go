package eid

import "errors"

var (
	ErrCreation                = errors.New("eid creation failed")
	ErrAddMember               = errors.New("add member failed")
	ErrRemoveMember            = errors.New("remove member failed")
	ErrInvalidMember           = errors.New("invalid member")
	ErrUpdateMember            = errors.New("update member failed")
	ErrApply                   = errors.New("apply evolvement failed")
	ErrInvalidSuccessor        = errors.New("invalid successor")
	ErrStateNotInitialized     = errors.New("state not initialized")
	ErrStateAlreadyInitialized = errors.New("state already initialized")
)
