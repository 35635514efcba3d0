package store

import (
	"slices"
	"time"
)

// Metadata annotates a stored value with tags and free-form properties
type Metadata struct {
	Tags       []string               `json:"tags"`
	Properties map[string]interface{} `json:"properties"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// NewMetadata returns empty metadata stamped with the current time
func NewMetadata() *Metadata {
	now := time.Now()
	return &Metadata{
		Tags:       []string{},
		Properties: make(map[string]interface{}),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AddTag adds tag unless it is already present
func (m *Metadata) AddTag(tag string) {
	if m.HasTag(tag) {
		return
	}
	m.Tags = append(m.Tags, tag)
	m.UpdatedAt = time.Now()
}

// HasTag reports whether tag is present
func (m *Metadata) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// SetProperty sets a property value
func (m *Metadata) SetProperty(key string, value interface{}) {
	if m.Properties == nil {
		m.Properties = make(map[string]interface{})
	}
	m.Properties[key] = value
	m.UpdatedAt = time.Now()
}

// GetProperty returns a property value
func (m *Metadata) GetProperty(key string) (interface{}, bool) {
	v, ok := m.Properties[key]
	return v, ok
}

func (m *Metadata) clone() *Metadata {
	c := *m
	c.Tags = slices.Clone(m.Tags)
	c.Properties = make(map[string]interface{}, len(m.Properties))
	for k, v := range m.Properties {
		c.Properties[k] = v
	}
	return &c
}
