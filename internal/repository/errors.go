package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrAlreadyExists indicates a unique-key insert hit an existing row.
var ErrAlreadyExists = errors.New("repository: already exists")

// ErrAlreadyFinal indicates a lifecycle transition targeted a row that had
// already reached a terminal state.
var ErrAlreadyFinal = errors.New("repository: upload already in terminal state")
