package domain

import "time"

const DefaultBucketTotal = 10000

// IsolationGroup is one instance of a bucket namespace.
type IsolationGroup struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	Name        string      `gorm:"column:name;size:255;not null;uniqueIndex:idx_isolation_group_name_instance" json:"name"`
	Application Application `gorm:"column:application;size:64;not null" json:"application"`
	Instance    int         `gorm:"column:instance;not null;uniqueIndex:idx_isolation_group_name_instance" json:"instance"`
	Total       int         `gorm:"column:total;not null;default:10000" json:"total"`
	CreatedAt   time.Time   `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (IsolationGroup) TableName() string {
	return "isolation_groups"
}

// BucketRange is the [Start, Start+Count-1] slice of an isolation group
// owned by one experiment.
type BucketRange struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	ExperimentID     uint      `gorm:"column:experiment_id;not null;uniqueIndex" json:"experiment_id"`
	IsolationGroupID uint      `gorm:"column:isolation_group_id;not null;index" json:"isolation_group_id"`
	Start            int       `gorm:"column:start;not null" json:"start"`
	Count            int       `gorm:"column:count;not null" json:"count"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (BucketRange) TableName() string {
	return "bucket_ranges"
}

func (r BucketRange) End() int {
	return r.Start + r.Count - 1
}

func (r BucketRange) Contains(position int) bool {
	return position >= r.Start && position <= r.End()
}

func (r BucketRange) Overlaps(other BucketRange) bool {
	return r.Start <= other.End() && other.Start <= r.End()
}

// BucketAllocation is a range together with the group it lives in.
type BucketAllocation struct {
	Group IsolationGroup `json:"isolation_group"`
	Range BucketRange    `json:"range"`
}
