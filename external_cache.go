package ecu

import (
	log "github.com/sirupsen/logrus"
)

// Cache entry lifecycle
type CacheEntryState uint8

const (
	CacheStateEmpty CacheEntryState = iota
	CacheStateSubscribed
	CacheStateValid
	CacheStateStale
	CacheStateError
)

// CacheEntry tracks one external key. Entries are created lazily on first
// request and live until ClearAll.
type CacheEntry struct {
	Value         float32
	LastUpdateMs  uint32
	HasValue      bool
	InternalMsgId uint32
	MaxAgeMs      uint32
	State         CacheEntryState
	Subscribed    bool
	RequestCount  uint32
	Description   string
}

// CacheMapping binds an external key (OBD-II PID, vendor ID) to an internal
// message ID
type CacheMapping struct {
	ExternalKey   uint32
	InternalMsgId uint32
	MaxAgeMs      uint32
	Description   string
}

type CacheStats struct {
	TotalRequests        uint32
	CacheHits            uint32
	CacheMisses          uint32
	SubscriptionsCreated uint32
	MessagesReceived     uint32
	EntriesCreated       uint32
	StaleEntries         uint32
	SubscriptionErrors   uint32
}

// External key spaces. OBD-II PIDs and vendor IDs share one keyspace, the
// high byte keeps them apart.
func ObdiiCacheKey(pid uint8) uint32 {
	return 0x0B000000 | uint32(pid)
}

// Vendor-custom cache keys
const (
	CustomKeyDashRPM       uint32 = 0x00010001
	CustomKeyDashSpeed     uint32 = 0x00010002
	CustomKeyDashCoolant   uint32 = 0x00010003
	CustomKeyLoggerRPM     uint32 = 0x00020001
	CustomKeyLoggerTPS     uint32 = 0x00020002
	CustomKeyLoggerMAP     uint32 = 0x00020003
	CustomKeyLoggerFluidC  uint32 = 0x00020004
)

// ExternalCache is the lazy-loading translation layer between external keys
// and internal bus messages. The first request for a key subscribes to the
// producing message, later requests are served from the cached value with a
// freshness check.
type ExternalCache struct {
	bus             *MessageBus
	clock           Clock
	defaultMaxAgeMs uint32

	entries  map[uint32]*CacheEntry
	mappings map[uint32]CacheMapping
	// internal msg id -> external keys fed by it
	subscriptions map[uint32][]uint32

	stats CacheStats
}

func NewExternalCache(bus *MessageBus, clock Clock, defaultMaxAgeMs uint32) *ExternalCache {
	if defaultMaxAgeMs == 0 {
		defaultMaxAgeMs = 1000
	}
	return &ExternalCache{
		bus:             bus,
		clock:           clock,
		defaultMaxAgeMs: defaultMaxAgeMs,
		entries:         map[uint32]*CacheEntry{},
		mappings:        map[uint32]CacheMapping{},
		subscriptions:   map[uint32][]uint32{},
	}
}

// Init loads the predefined OBD-II and vendor mapping tables
func (c *ExternalCache) Init() {
	c.loadObdiiMappings()
	c.loadCustomMappings()
	log.Debugf("[CACHE] initialized with %v mappings", len(c.mappings))
}

func (c *ExternalCache) loadObdiiMappings() {
	obd := []struct {
		pid         uint8
		internal    uint32
		description string
	}{
		{0x04, MsgEngineLoad, "Engine load"},
		{0x05, MsgCoolantTemp, "Coolant temperature"},
		{0x0B, MsgManifoldPressure, "Manifold absolute pressure"},
		{0x0C, MsgEngineRPM, "Engine RPM"},
		{0x0D, MsgVehicleSpeed, "Vehicle speed"},
		{0x0F, MsgIntakeAirTemp, "Intake air temperature"},
		{0x11, MsgThrottlePosition, "Throttle position"},
	}
	for _, m := range obd {
		c.AddMapping(ObdiiCacheKey(m.pid), m.internal, c.defaultMaxAgeMs, m.description)
	}
}

func (c *ExternalCache) loadCustomMappings() {
	custom := []CacheMapping{
		{CustomKeyDashRPM, MsgEngineRPM, 100, "Dash RPM"},
		{CustomKeyDashSpeed, MsgVehicleSpeed, 100, "Dash speed"},
		{CustomKeyDashCoolant, MsgCoolantTemp, 1000, "Dash coolant"},
		{CustomKeyLoggerRPM, MsgEngineRPM, 50, "Logger RPM"},
		{CustomKeyLoggerTPS, MsgThrottlePosition, 50, "Logger TPS"},
		{CustomKeyLoggerMAP, MsgManifoldPressure, 50, "Logger MAP"},
		{CustomKeyLoggerFluidC, MsgTransFluidTemp, 1000, "Logger fluid temp"},
	}
	for _, m := range custom {
		c.AddMapping(m.ExternalKey, m.InternalMsgId, m.MaxAgeMs, m.Description)
	}
}

// AddMapping registers or overwrites a key translation
func (c *ExternalCache) AddMapping(externalKey, internalMsgId, maxAgeMs uint32, description string) {
	if maxAgeMs == 0 {
		maxAgeMs = c.defaultMaxAgeMs
	}
	c.mappings[externalKey] = CacheMapping{
		ExternalKey:   externalKey,
		InternalMsgId: internalMsgId,
		MaxAgeMs:      maxAgeMs,
		Description:   description,
	}
}

func (c *ExternalCache) RemoveMapping(externalKey uint32) bool {
	_, ok := c.mappings[externalKey]
	delete(c.mappings, externalKey)
	return ok
}

// GetValue implements the lazy load. maxAgeMs 0 uses the mapping default.
// An age exactly equal to the maximum still counts as fresh.
func (c *ExternalCache) GetValue(externalKey uint32, maxAgeMs uint32) (float32, bool) {
	c.stats.TotalRequests++

	entry, ok := c.entries[externalKey]
	if !ok {
		created, err := c.createEntry(externalKey)
		if err != nil {
			c.stats.CacheMisses++
			return 0, false
		}
		entry = created
	}
	entry.RequestCount++

	if !entry.HasValue {
		c.stats.CacheMisses++
		return 0, false
	}

	if maxAgeMs == 0 {
		maxAgeMs = entry.MaxAgeMs
	}
	age := c.clock.Millis() - entry.LastUpdateMs
	if age <= maxAgeMs {
		entry.State = CacheStateValid
		c.stats.CacheHits++
		return entry.Value, true
	}

	entry.State = CacheStateStale
	c.stats.CacheMisses++
	return 0, false
}

// HasFreshValue checks freshness without counting a request against stats
func (c *ExternalCache) HasFreshValue(externalKey uint32, maxAgeMs uint32) bool {
	entry, ok := c.entries[externalKey]
	if !ok || !entry.HasValue {
		return false
	}
	if maxAgeMs == 0 {
		maxAgeMs = entry.MaxAgeMs
	}
	return c.clock.Millis()-entry.LastUpdateMs <= maxAgeMs
}

func (c *ExternalCache) createEntry(externalKey uint32) (*CacheEntry, error) {
	mapping, ok := c.mappings[externalKey]
	if !ok {
		return nil, ErrNoMapping
	}

	entry := &CacheEntry{
		InternalMsgId: mapping.InternalMsgId,
		MaxAgeMs:      mapping.MaxAgeMs,
		State:         CacheStateSubscribed,
		Description:   mapping.Description,
	}
	c.entries[externalKey] = entry
	c.stats.EntriesCreated++

	// one bus subscription per internal id, fanned out to every key it feeds
	keys, alreadySubscribed := c.subscriptions[mapping.InternalMsgId]
	c.subscriptions[mapping.InternalMsgId] = append(keys, externalKey)
	if !alreadySubscribed {
		msgId := mapping.InternalMsgId
		if !c.bus.Subscribe(msgId, func(msg *CANMessage) {
			c.handleInternalMessage(msgId, msg)
		}) {
			entry.State = CacheStateError
			c.stats.SubscriptionErrors++
			return entry, nil
		}
		c.stats.SubscriptionsCreated++
	}
	entry.Subscribed = true

	log.Debugf("[CACHE] created entry x%X -> x%X (%v)", externalKey, mapping.InternalMsgId, mapping.Description)
	return entry, nil
}

func (c *ExternalCache) handleInternalMessage(msgId uint32, msg *CANMessage) {
	value, ok := UnpackFloat(msg)
	if !ok {
		return
	}
	c.stats.MessagesReceived++
	nowMs := c.clock.Millis()
	for _, key := range c.subscriptions[msgId] {
		entry, ok := c.entries[key]
		if !ok {
			continue
		}
		entry.Value = value
		entry.HasValue = true
		entry.LastUpdateMs = nowMs
		entry.State = CacheStateValid
	}
}

// RefreshValue re-arms the subscription for a key, creating the entry if
// needed
func (c *ExternalCache) RefreshValue(externalKey uint32) bool {
	if _, ok := c.entries[externalKey]; ok {
		return true
	}
	_, err := c.createEntry(externalKey)
	return err == nil
}

// InvalidateEntry marks a key stale so the next request misses
func (c *ExternalCache) InvalidateEntry(externalKey uint32) {
	entry, ok := c.entries[externalKey]
	if !ok {
		return
	}
	entry.State = CacheStateStale
	entry.HasValue = false
}

// ClearAll drops every entry, mappings are kept
func (c *ExternalCache) ClearAll() {
	c.entries = map[uint32]*CacheEntry{}
	c.subscriptions = map[uint32][]uint32{}
}

// Update downgrades entries whose data has outlived its maximum age
func (c *ExternalCache) Update() {
	nowMs := c.clock.Millis()
	for _, entry := range c.entries {
		if entry.State == CacheStateValid && entry.HasValue &&
			nowMs-entry.LastUpdateMs > entry.MaxAgeMs {
			entry.State = CacheStateStale
			c.stats.StaleEntries++
		}
	}
}

func (c *ExternalCache) Entry(externalKey uint32) (CacheEntry, bool) {
	entry, ok := c.entries[externalKey]
	if !ok {
		return CacheEntry{}, false
	}
	return *entry, true
}

func (c *ExternalCache) EntryCount() int        { return len(c.entries) }
func (c *ExternalCache) SubscriptionCount() int { return len(c.subscriptions) }
func (c *ExternalCache) Stats() CacheStats      { return c.stats }

func (c *ExternalCache) ResetStatistics() {
	c.stats = CacheStats{}
}
