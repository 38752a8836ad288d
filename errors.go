package ecu

import "errors"

var (
	ErrIllegalArgument     = errors.New("Error in function arguments")
	ErrPayloadTooLong      = errors.New("Payload longer than 8 bytes")
	ErrQueueFull           = errors.New("Internal message queue is full")
	ErrSubscriberTableFull = errors.New("Subscriber table is full")
	ErrNilHandler          = errors.New("Message handler is nil")
	ErrSensorTableFull     = errors.New("Sensor table is full")
	ErrOutputTableFull     = errors.New("Output table is full")
	ErrNoMapping           = errors.New("No mapping registered for external key")
	ErrNoData              = errors.New("Subscribed but no data received yet")
	ErrStaleData           = errors.New("Cached data is older than max age")
	ErrKeyNotFound         = errors.New("Key does not exist in storage")
	ErrRecordTooLarge      = errors.New("Record does not fit in a storage sector")
	ErrStorageFull         = errors.New("No free space left in storage backend")
	ErrCRC                 = errors.New("CRC does not match")
	ErrBadSync             = errors.New("Packet does not start with the sync byte")
	ErrReadOnly            = errors.New("Parameter has no write handler")
	ErrUnknownParameter    = errors.New("Parameter is not registered")
	ErrInvalidConfig       = errors.New("Configuration validation failed")
	ErrNotInitialized      = errors.New("Component not initialized")
	ErrDriverNotReady      = errors.New("Hardware driver not ready")
)
