package app

import (
	"context"
	"fmt"

	"sitetrack/internal/domain"
	"sitetrack/internal/repo"
)

func amount(v int64) *int64 { return &v }

// sampleProjects are the demo records offered on a fresh workspace.
func sampleProjects() []domain.Project {
	return []domain.Project{
		{
			Name:     "田中邸新築工事",
			Client:   domain.Client{Name: "田中太郎", Phone: "090-1234-5678", Email: "tanaka@example.com", Address: "東京都渋谷区○○1-2-3"},
			Estimate: domain.Estimate{Amount: amount(15000000), Date: "2024-01-15", ValidUntil: "2024-02-15"},
			Contract: domain.Contract{Amount: amount(14500000), SignedDate: "2024-01-20"},
			Schedule: domain.Schedule{StartDate: "2024-02-01", EndDate: "2024-05-31", ActualStartDate: "2024-02-01"},
			AssignedTo: domain.Assignment{
				ProjectManager: "山田花子",
				SiteManager:    "佐藤次郎",
				Workers:        []string{"鈴木一郎"},
			},
			Status: domain.StatusState{
				Current: domain.StatusInConstruction,
				History: []domain.HistoryEntry{
					{Status: domain.StatusEstimate, Date: "2024-01-15", ChangedBy: "山田花子", Notes: "見積書作成完了"},
					{Status: domain.StatusOrdered, Date: "2024-01-20", ChangedBy: "山田花子", Notes: "契約締結"},
					{Status: domain.StatusPreConstruction, Date: "2024-01-25", ChangedBy: "佐藤次郎", Notes: "現場準備完了"},
					{Status: domain.StatusInConstruction, Date: "2024-02-01", ChangedBy: "佐藤次郎", Notes: "着工開始"},
				},
			},
			Location: domain.Location{Address: "東京都渋谷区○○1-2-3", Coordinates: &domain.Coordinates{Lat: 35.6762, Lng: 139.6503}},
			Notes:    "2階建て木造住宅、基礎工事含む",
			Priority: domain.PriorityNormal,
		},
		{
			Name:       "佐藤商店改装工事",
			Client:     domain.Client{Name: "佐藤商店", Phone: "03-1234-5678", Email: "info@sato-shop.com", Address: "東京都新宿区○○2-3-4"},
			Estimate:   domain.Estimate{Amount: amount(8000000), Date: "2024-02-01", ValidUntil: "2024-03-01"},
			Contract:   domain.Contract{Amount: amount(7800000), SignedDate: "2024-02-10"},
			Schedule:   domain.Schedule{StartDate: "2024-03-01", EndDate: "2024-04-30"},
			AssignedTo: domain.Assignment{ProjectManager: "山田花子", SiteManager: "佐藤次郎"},
			Status: domain.StatusState{
				Current: domain.StatusPreConstruction,
				History: []domain.HistoryEntry{
					{Status: domain.StatusEstimate, Date: "2024-02-01", ChangedBy: "山田花子", Notes: "改装見積書提出"},
					{Status: domain.StatusOrdered, Date: "2024-02-10", ChangedBy: "山田花子", Notes: "改装工事契約"},
					{Status: domain.StatusPreConstruction, Date: "2024-02-15", ChangedBy: "佐藤次郎", Notes: "材料発注・準備中"},
				},
			},
			Location: domain.Location{Address: "東京都新宿区○○2-3-4", Coordinates: &domain.Coordinates{Lat: 35.6896, Lng: 139.6917}},
			Notes:    "店舗内装リニューアル、営業中の施工",
			Priority: domain.PriorityHigh,
		},
	}
}

// SeedSamples stores the demo projects when no project exists yet.
func SeedSamples(ctx context.Context, r repo.Repo) error {
	existing, err := r.AllProjects(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, p := range sampleProjects() {
		if r.Statuses != nil {
			p.Progress = r.Statuses.Progress(p.Status.Current)
		}
		if _, err := r.SaveProject(ctx, p); err != nil {
			return fmt.Errorf("seed sample %s: %w", p.Name, err)
		}
	}
	return nil
}
