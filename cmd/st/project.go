package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"sitetrack/internal/app"
	"sitetrack/internal/engine"
	"sitetrack/internal/repo"
)

func projectCmd() *cobra.Command {
	project := &cobra.Command{
		Use:     "project",
		Aliases: []string{"projects"},
		Short:   "Manage projects",
	}
	project.AddCommand(projectListCmd())
	project.AddCommand(projectCreateCmd())
	project.AddCommand(projectShowCmd())
	project.AddCommand(projectUpdateCmd())
	project.AddCommand(projectDeleteCmd())
	return project
}

func addFilterFlags(cmd *cobra.Command, f *repo.ProjectFilter) {
	cmd.Flags().StringVarP(&f.Query, "query", "q", "", "search name, client and address")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Manager, "manager", "", "project or site manager filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.From, "from", "", "schedule overlaps on or after YYYY-MM-DD")
	cmd.Flags().StringVar(&f.To, "to", "", "schedule overlaps on or before YYYY-MM-DD")
	cmd.Flags().StringVar(&f.SortBy, "sort", "", "sort key: updatedAt, createdAt, name, endDate, amount, progress")
	cmd.Flags().BoolVar(&f.Desc, "desc", false, "sort descending")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
}

func projectListCmd() *cobra.Command {
	var f repo.ProjectFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "案件名", "顧客", "ステータス", "進捗", "完了予定", "緊急度"})
				for _, p := range items {
					tw.AppendRow(table.Row{
						p.ID, p.Name, p.Client.Name, p.Status.Current,
						fmt.Sprintf("%d%%", p.Progress), p.Schedule.EndDate,
						engine.UrgencyLabel(a.Engine.Urgency(p)),
					})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "", "件数", len(items)})
				tw.Render()
				return nil
			})
		},
	}
	addFilterFlags(cmd, &f)
	return cmd
}

// projectFlags mirrors engine.ProjectInput on the command line.
type projectFlags struct {
	in             engine.ProjectInput
	estimateAmount int64
}

func (pf *projectFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&pf.in.Name, "name", "", "project name")
	fs.StringVar(&pf.in.ClientName, "client", "", "client name")
	fs.StringVar(&pf.in.ClientPhone, "client-phone", "", "client phone")
	fs.StringVar(&pf.in.ClientEmail, "client-email", "", "client email")
	fs.StringVar(&pf.in.ClientAddress, "address", "", "site address")
	fs.Int64Var(&pf.estimateAmount, "estimate-amount", 0, "estimate amount (yen)")
	fs.StringVar(&pf.in.EstimateDate, "estimate-date", "", "estimate date YYYY-MM-DD")
	fs.StringVar(&pf.in.StartDate, "start", "", "planned start YYYY-MM-DD")
	fs.StringVar(&pf.in.EndDate, "end", "", "planned end YYYY-MM-DD")
	fs.StringVar(&pf.in.ProjectManager, "project-manager", "", "project manager")
	fs.StringVar(&pf.in.SiteManager, "site-manager", "", "site manager")
	fs.StringSliceVar(&pf.in.Workers, "worker", nil, "worker (repeatable)")
	fs.StringVar(&pf.in.Priority, "priority", "", "low, normal, high or urgent")
	fs.StringVar(&pf.in.Notes, "notes", "", "notes")
}

// merge copies the flags the user set onto base.
func (pf *projectFlags) merge(fs *pflag.FlagSet, base engine.ProjectInput) engine.ProjectInput {
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("name", &base.Name, pf.in.Name)
	set("client", &base.ClientName, pf.in.ClientName)
	set("client-phone", &base.ClientPhone, pf.in.ClientPhone)
	set("client-email", &base.ClientEmail, pf.in.ClientEmail)
	set("address", &base.ClientAddress, pf.in.ClientAddress)
	set("estimate-date", &base.EstimateDate, pf.in.EstimateDate)
	set("start", &base.StartDate, pf.in.StartDate)
	set("end", &base.EndDate, pf.in.EndDate)
	set("project-manager", &base.ProjectManager, pf.in.ProjectManager)
	set("site-manager", &base.SiteManager, pf.in.SiteManager)
	set("priority", &base.Priority, pf.in.Priority)
	set("notes", &base.Notes, pf.in.Notes)
	if fs.Changed("estimate-amount") {
		v := pf.estimateAmount
		base.EstimateAmount = &v
	}
	if fs.Changed("worker") {
		base.Workers = pf.in.Workers
	}
	return base
}

func projectCreateCmd() *cobra.Command {
	var pf projectFlags
	var fromDraft bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project in the initial status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				base := engine.ProjectInput{}
				if fromDraft {
					d, err := a.Engine.Repo.LoadDraft(ctx)
					if err != nil {
						return fmt.Errorf("load draft: %w", err)
					}
					base = draftInput(d.Data)
				}
				in := pf.merge(cmd.Flags(), base)
				p, err := a.Engine.CreateProject(ctx, in, actor())
				if err != nil {
					return err
				}
				if err := a.Engine.Repo.ClearDraft(ctx); err != nil {
					a.Logger.Sugar().Warnw("clear draft", "error", err)
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Created %s %s (%s)\n", p.ID, p.Name, p.Status.Current)
				return nil
			})
		},
	}
	pf.register(cmd.Flags())
	cmd.Flags().BoolVar(&fromDraft, "from-draft", false, "start from the saved form draft")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"ID", p.ID},
					{"案件名", p.Name},
					{"顧客", p.Client.Name},
					{"住所", p.Location.Address},
					{"ステータス", p.Status.Current},
					{"進捗", fmt.Sprintf("%d%%", p.Progress)},
					{"見積金額", amountText(p.Estimate.Amount)},
					{"契約金額", amountText(p.Contract.Amount)},
					{"工期", p.Schedule.StartDate + " ~ " + p.Schedule.EndDate},
					{"担当", p.AssignedTo.ProjectManager},
					{"現場責任者", p.AssignedTo.SiteManager},
					{"緊急度", engine.UrgencyLabel(a.Engine.Urgency(p))},
					{"変更可能", strings.Join(a.Engine.AllowedTransitions(p), ", ")},
				})
				tw.Render()
				if len(p.Status.History) > 0 {
					hw := newTable()
					hw.AppendHeader(table.Row{"ステータス", "日時", "変更者", "備考"})
					for _, h := range p.Status.History {
						hw.AppendRow(table.Row{h.Status, h.Date, h.ChangedBy, h.Notes})
					}
					hw.Render()
				}
				return nil
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var pf projectFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit project fields; only the flags given change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cur, err := a.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				in := pf.merge(cmd.Flags(), engine.InputFromProject(cur))
				p, err := a.Engine.UpdateProject(ctx, cur.ID, in, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Updated %s\n", p.ID)
				return nil
			})
		},
	}
	pf.register(cmd.Flags())
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				ok, err := confirm(fmt.Sprintf("「%s」を削除しますか？", p.Name))
				if err != nil {
					return err
				}
				if !ok {
					return errAborted
				}
				if err := a.Engine.DeleteProject(ctx, p.ID, actor()); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", p.ID)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "status",
		Short: "Project status workflow",
	}
	st.AddCommand(statusTableCmd())
	st.AddCommand(statusAllowedCmd())
	st.AddCommand(statusCheckCmd())
	st.AddCommand(statusSetCmd())
	return st
}

func statusTableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "table",
		Short: "Show the status table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tbl := a.Engine.Statuses
				if viper.GetBool("json") {
					return printJSON(tbl.Definitions())
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"順序", "ステータス", "進捗", "遷移先", "自動チケット", "説明"})
				for _, name := range tbl.Names() {
					def, _ := tbl.Definition(name)
					ticket := ""
					if def.TriggersAutoTicket {
						ticket = "○"
					}
					tw.AppendRow(table.Row{def.Order, name, fmt.Sprintf("%d%%", tbl.Progress(name)), strings.Join(tbl.AllowedTransitions(name), ", "), ticket, def.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func statusAllowedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allowed <id>",
		Short: "List the statuses a project may move to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				allowed := a.Engine.AllowedTransitions(p)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"current": p.Status.Current, "allowed": nonNil(allowed)})
				}
				fmt.Printf("%s: %s\n", p.Status.Current, strings.Join(allowed, ", "))
				return nil
			})
		},
	}
}

func statusCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <id> <status>",
		Short: "Validate a transition without applying it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				warnings, err := a.Engine.ValidateTransition(p, args[1])
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": err == nil, "error": errString(err), "warnings": nonNil(warnings)})
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s -> %s OK\n", p.Status.Current, args[1])
				printWarnings(warnings)
				return nil
			})
		},
	}
}

func statusSetCmd() *cobra.Command {
	var opts engine.TransitionOptions
	var contract int64
	cmd := &cobra.Command{
		Use:   "set <id> <status>",
		Short: "Change a project's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				warnings, err := a.Engine.ValidateTransition(p, args[1])
				if err != nil {
					return err
				}
				if len(warnings) > 0 {
					printWarnings(warnings)
					ok, err := confirm("このまま変更しますか？")
					if err != nil {
						return err
					}
					if !ok {
						return errAborted
					}
				}
				if cmd.Flags().Changed("contract-amount") {
					opts.ContractAmount = &contract
				}
				opts.ChangedBy = actor()
				updated, err := a.Engine.ApplyTransition(ctx, p.ID, args[1], opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(updated)
				}
				fmt.Printf("%s: %s -> %s (%d%%)\n", updated.Name, p.Status.Current, updated.Status.Current, updated.Progress)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "note stored in the status history")
	cmd.Flags().Int64Var(&contract, "contract-amount", 0, "contract amount when moving to 受注")
	cmd.Flags().StringVar(&opts.ActualDate, "actual-date", "", "actual start or end date YYYY-MM-DD (defaults to today)")
	return cmd
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{
		Use:   "notify",
		Short: "Notifications",
	}
	var user string
	var unread bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListNotifications(ctx, user, unread)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "日時", "宛先", "件名", "既読"})
				for _, item := range items {
					read := ""
					if item.Read {
						read = "✓"
					}
					tw.AppendRow(table.Row{item.ID, item.CreatedAt, item.TargetUser, item.Title, read})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&user, "user", "", "target user filter")
	list.Flags().BoolVar(&unread, "unread", false, "only unread")
	n.AddCommand(list)
	n.AddCommand(&cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Engine.Repo.MarkNotificationRead(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(item)
				}
				fmt.Printf("Read %s\n", item.ID)
				return nil
			})
		},
	})
	return n
}

func ticketCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "ticket",
		Short: "Auto-ticket log",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List ticket records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListTicketLogs(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "案件", "現場責任者", "契約金額", "状態", "エラー", "日時"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.ID, rec.ProjectName, rec.SiteManager, amountText(rec.ContractAmount), rec.Status, rec.Error, rec.TicketedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max records")
	t.AddCommand(list)
	return t
}

func dashboardCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Summary, deadline alerts and status suggestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Engine.Dashboard(ctx)
				if err != nil {
					return err
				}
				alerts, err := a.Engine.DeadlineAlerts(ctx, days)
				if err != nil {
					return err
				}
				recs, err := a.Engine.Recommendations(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"stats": stats, "alerts": nonNil(alerts), "recommendations": nonNil(recs)})
				}
				fmt.Printf("案件数 %d / 合計金額 ¥%s / 平均進捗 %d%%\n", stats.Total, yen(stats.TotalAmount), stats.AvgProgress)
				sw := newTable()
				sw.AppendHeader(table.Row{"ステータス", "件数"})
				for _, c := range stats.ByStatus {
					sw.AppendRow(table.Row{c.Status, c.Count})
				}
				sw.Render()
				if len(alerts) > 0 {
					aw := newTable()
					aw.SetTitle("期限アラート")
					aw.AppendHeader(table.Row{"優先度", "案件", "期限", "内容"})
					for _, al := range alerts {
						aw.AppendRow(table.Row{al.Priority, al.ProjectName, al.DueDate, al.Message})
					}
					aw.Render()
				}
				if len(recs) > 0 {
					rw := newTable()
					rw.SetTitle("推奨アクション")
					rw.AppendHeader(table.Row{"優先度", "案件", "現在", "推奨", "理由"})
					for _, r := range recs {
						next := ""
						if r.SuggestedStatus != nil {
							next = *r.SuggestedStatus
						}
						rw.AppendRow(table.Row{r.Priority, r.ProjectName, r.CurrentStatus, next, r.Reason})
					}
					rw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", engine.DefaultAlertDays, "deadline look-ahead in days")
	return cmd
}

func siteCmd() *cobra.Command {
	var f repo.ProjectFilter
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Projects under construction, most urgent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.SiteProjects(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"緊急度", "案件", "住所", "現場責任者", "完了予定", "進捗"})
				for _, p := range items {
					tw.AppendRow(table.Row{engine.UrgencyLabel(a.Engine.Urgency(p)), p.Name, p.Location.Address, p.AssignedTo.SiteManager, p.Schedule.EndDate, fmt.Sprintf("%d%%", p.Progress)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Manager, "manager", "", "manager filter")
	return cmd
}

func ganttCmd() *cobra.Command {
	var f repo.ProjectFilter
	cmd := &cobra.Command{
		Use:   "gantt",
		Short: "Scheduled projects by start date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.GanttProjects(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"案件", "ステータス", "開始", "終了", "実績開始", "実績終了", "進捗"})
				for _, p := range items {
					s := p.Schedule
					tw.AppendRow(table.Row{p.Name, p.Status.Current, s.StartDate, s.EndDate, s.ActualStartDate, s.ActualEndDate, fmt.Sprintf("%d%%", p.Progress)})
				}
				tw.Render()
				return nil
			})
		},
	}
	addFilterFlags(cmd, &f)
	return cmd
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Println("warning:", w)
	}
}

// draftInput reads form fields saved by 'st draft save'.
func draftInput(data map[string]string) engine.ProjectInput {
	in := engine.ProjectInput{
		Name:           data["name"],
		ClientName:     data["clientName"],
		ClientPhone:    data["clientPhone"],
		ClientEmail:    data["clientEmail"],
		ClientAddress:  data["clientAddress"],
		EstimateDate:   data["estimateDate"],
		StartDate:      data["startDate"],
		EndDate:        data["endDate"],
		ProjectManager: data["projectManager"],
		SiteManager:    data["siteManager"],
		Priority:       data["priority"],
		Notes:          data["notes"],
	}
	if v, err := strconv.ParseInt(data["estimateAmount"], 10, 64); err == nil {
		in.EstimateAmount = &v
	}
	if w := strings.TrimSpace(data["workers"]); w != "" {
		in.Workers = strings.Split(w, ",")
	}
	return in
}

func amountText(v *int64) string {
	if v == nil {
		return ""
	}
	return "¥" + yen(*v)
}

var yenPrinter = message.NewPrinter(language.Japanese)

func yen(v int64) string { return yenPrinter.Sprintf("%d", v) }

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
