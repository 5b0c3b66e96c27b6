package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/poliarc/election-management-system-sub008/internal/domain"
	"github.com/poliarc/election-management-system-sub008/internal/engine"
)

func hierarchyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hierarchy",
		Short: "Import and browse the administrative hierarchy",
	}
	cmd.AddCommand(hierarchyImportCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "roots",
		Short: "List top-level nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roots, err := e.Roots(ctx)
				if err != nil {
					return err
				}
				return printNodes(roots)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "children <node-id>",
		Short: "List direct children of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				children, err := e.Children(ctx, id)
				if err != nil {
					return err
				}
				return printNodes(children)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "kinds",
		Short: "List level kinds in rank order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				kinds, err := e.Repo.ListLevelKinds(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(kinds)
				}
				tw := newTable("Rank", "Name", "Leaf")
				for _, k := range kinds {
					tw.AppendRow(table.Row{k.Rank, k.Name, k.Leaf})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(hierarchyDiscoverCmd())
	return cmd
}

func hierarchyImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yml>",
		Short: "Import nodes and user assignments (YAML or JSON, '-' for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			doc, err := engine.ParseHierarchyDocument(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.ImportHierarchy(ctx, doc, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("Imported %d nodes (%d leaves), %d users, %d assignments\n", sum.Nodes, sum.Leaves, sum.Users, sum.Assignments)
				return nil
			})
		},
	}
}

func hierarchyDiscoverCmd() *cobra.Command {
	var path string
	var leaf int64
	var interactive bool
	cmd := &cobra.Command{
		Use:   "discover <start-node-id>",
		Short: "Walk the levels below a node down to the leaf set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseID(args[0])
			if err != nil {
				return err
			}
			sel, err := parseIDs(path)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if interactive {
					return discoverInteractive(ctx, e, start, bufio.NewReader(os.Stdin))
				}
				var leafID *int64
				if leaf > 0 {
					leafID = &leaf
				}
				res, err := e.Discover(ctx, start, sel, leafID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printDiscovery(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "comma-separated node ids, one per intermediate level")
	cmd.Flags().Int64Var(&leaf, "leaf", 0, "narrow the leaf set to this node")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for a selection at each level")
	return cmd
}

// discoverInteractive prompts for one node per level until the leaf set, a
// dead end or an empty answer.
func discoverInteractive(ctx context.Context, e engine.Engine, start int64, in *bufio.Reader) error {
	x := e.NewExplorer()
	res, err := x.Discover(ctx, start)
	if err != nil {
		return err
	}
	for {
		if res.DeadEnd || res.Leaves != nil || len(res.Levels) == 0 {
			break
		}
		current := res.Levels[len(res.Levels)-1]
		fmt.Printf("\n%s (level %d)\n", current.Name, current.Index)
		if err := printNodes(current.Members); err != nil {
			return err
		}
		fmt.Print("select id (empty to stop): ")
		line, readErr := in.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		id, err := parseID(line)
		if err != nil {
			fmt.Println(err)
			continue
		}
		next, err := x.Select(ctx, current.Index, id)
		if err != nil {
			fmt.Println(err)
			if readErr != nil {
				break
			}
			continue
		}
		res = next
		if readErr != nil {
			break
		}
	}
	printDiscovery(res)
	return nil
}

func printDiscovery(res domain.DiscoveryResult) {
	for _, l := range res.Levels {
		selected := "-"
		if l.SelectedID != nil {
			selected = fmt.Sprint(*l.SelectedID)
		}
		fmt.Printf("%d. %s: %d members, selected %s\n", l.Index, l.Name, len(l.Members), selected)
	}
	switch {
	case res.DeadEnd:
		fmt.Println("dead end: no children below the last selection")
	case res.Leaves != nil:
		fmt.Printf("leaves (%s):\n", res.LeafLevelName)
		leaves := res.Leaves
		if res.LeafFilterID != nil {
			leaves = nil
			for _, n := range res.Leaves {
				if n.ID == *res.LeafFilterID {
					leaves = append(leaves, n)
				}
			}
		}
		_ = printNodes(leaves)
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Users and level assignments"}
	var name string
	add := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Register a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.EnsureUser(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	assign := &cobra.Command{
		Use:   "assign <user-id> <node-id>",
		Short: "Assign a user to a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeID, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Assign(ctx, args[0], nodeID, actorID()); err != nil {
					return err
				}
				fmt.Printf("Assigned %s to node %d\n", args[0], nodeID)
				return nil
			})
		},
	}
	unassign := &cobra.Command{
		Use:   "unassign <user-id> <node-id>",
		Short: "Remove a user from a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeID, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Unassign(ctx, args[0], nodeID, actorID()); err != nil {
					return err
				}
				fmt.Printf("Unassigned %s from node %d\n", args[0], nodeID)
				return nil
			})
		},
	}
	levels := &cobra.Command{
		Use:   "levels <user-id>",
		Short: "Nodes a user is assigned to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				nodes, err := e.CallerLevels(ctx, args[0])
				if err != nil {
					return err
				}
				return printNodes(nodes)
			})
		},
	}
	at := &cobra.Command{
		Use:   "at <node-id>",
		Short: "Users assigned to a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.AssignedUsers(ctx, nodeID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("ID", "Name", "Since")
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(add, assign, unassign, levels, at)
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Submit and act on incident reports",
	}
	cmd.AddCommand(reportSubmitCmd())
	cmd.AddCommand(reportListCmd())
	cmd.AddCommand(reportShowCmd())
	cmd.AddCommand(reportEligibilityCmd())
	cmd.AddCommand(reportActCmd())
	cmd.AddCommand(reportInProgressCmd())
	return cmd
}

func reportSubmitCmd() *cobra.Command {
	var in engine.SubmitReportInput
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "File a new report at a level",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			in.SubmittedBy = actor
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.SubmitReport(ctx, in)
				if err != nil {
					return err
				}
				return printReport(rep)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Priority, "priority", "Medium", "Low, Medium, High or Critical")
	cmd.Flags().StringVar(&in.ReportType, "type", "Other", "report type")
	cmd.Flags().Int64Var(&in.LevelID, "level", 0, "node id the report is filed at")
	cmd.Flags().StringSliceVar(&in.Attachments, "attach", nil, "attachment URL (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("level")
	return cmd
}

func reportListCmd() *cobra.Command {
	var f domain.ReportFilter
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if mine {
					actor, err := requireActor()
					if err != nil {
						return err
					}
					ids, err := e.Auth.CallerLevelIDs(ctx, nil, actor)
					if err != nil {
						return err
					}
					f.LevelIDs = ids
				}
				page, err := e.ListReports(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable("ID", "Title", "Status", "Priority", "Type", "Level", "Version")
				for _, r := range page.Items {
					tw.AppendRow(table.Row{r.ID, r.Title, r.Status, r.Priority, r.ReportType, r.CurrentLevel.DisplayName, r.Version})
				}
				tw.AppendFooter(table.Row{"", fmt.Sprintf("page %d", page.Page), "", "", "", "total", page.Total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.ReportType, "type", "", "report type filter")
	cmd.Flags().StringVar(&f.Search, "search", "", "search title, description and submitter")
	cmd.Flags().IntVar(&f.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "page size")
	cmd.Flags().BoolVar(&mine, "mine", false, "only reports at the actor's levels")
	return cmd
}

func reportShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <report-id>",
		Short: "Show a report and its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.GetReport(ctx, id)
				if err != nil {
					return err
				}
				return printReport(rep)
			})
		},
	}
}

func reportEligibilityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eligibility <report-id>",
		Short: "Actions the actor may take and valid forward targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				elig, err := e.Eligibility(ctx, id, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(elig)
				}
				fmt.Printf("report %d version %d can_act=%v actions=%v\n", elig.ReportID, elig.Version, elig.CanAct, elig.Actions)
				fmt.Println("forward targets:")
				return printNodes(elig.ForwardLevels)
			})
		},
	}
}

func reportActCmd() *cobra.Command {
	var req engine.ActionRequest
	var target int64
	cmd := &cobra.Command{
		Use:   "act <report-id> <approve|reject|forward|resolve>",
		Short: "Apply a workflow action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			actor, err := requireActor()
			if err != nil {
				return err
			}
			req.ReportID = id
			req.Action = args[1]
			req.ActorID = actor
			if target > 0 {
				req.ForwardTargetLevelID = &target
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.SubmitAction(ctx, req)
				if err != nil {
					return err
				}
				return printReport(rep)
			})
		},
	}
	cmd.Flags().StringVar(&req.Notes, "notes", "", "action notes (required)")
	cmd.Flags().Int64Var(&target, "to", 0, "forward target level id")
	cmd.Flags().Int64Var(&req.ExpectedVersion, "version", 0, "version you last read (required)")
	_ = cmd.MarkFlagRequired("notes")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func reportInProgressCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "in-progress <report-id>",
		Short: "Mark a report as being handled at its current level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.MarkInProgress(ctx, id, version, actor)
				if err != nil {
					return err
				}
				return printReport(rep)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "version you last read (required)")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func printReport(rep domain.Report) error {
	if viper.GetBool("json") {
		return printJSON(rep)
	}
	fmt.Printf("#%d %s [%s, %s] v%d\n", rep.ID, rep.Title, rep.Status, rep.Priority, rep.Version)
	fmt.Printf("type: %s  submitted by %s at %s\n", rep.ReportType, rep.SubmittedBy, rep.SubmittedAt)
	fmt.Printf("current level: %s (%d)\n", rep.CurrentLevel.DisplayName, rep.CurrentLevel.ID)
	tw := newTable("#", "Level", "Status", "Assigned", "Acted by", "Notes", "At")
	for _, t := range rep.Timeline {
		notes, at := "", ""
		if t.ActionNotes != nil {
			notes = *t.ActionNotes
		}
		if t.ActionTakenAt != nil {
			at = *t.ActionTakenAt
		}
		tw.AppendRow(table.Row{t.HierarchyOrder, t.LevelDisplayName, t.Status, t.AssignedUser, t.ActedBy, notes, at})
	}
	tw.Render()
	return nil
}
