package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"cdpmock/pkg/api"
	"cdpmock/pkg/rulespec"

	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage persisted rewrite rules",
}

var rulesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Print the stored rules as JSON",
	Args:    cobra.NoArgs,
	RunE:    runRulesList,
}

var rulesSetCmd = &cobra.Command{
	Use:   "set <file|->",
	Short: "Validate and store rules from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesSet,
}

var rulesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all stored rules",
	Args:  cobra.NoArgs,
	RunE:  runRulesClear,
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file|->",
	Short: "Check a rules file without storing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesValidate,
}

func init() {
	rulesCmd.AddCommand(rulesListCmd, rulesSetCmd, rulesClearCmd, rulesValidateCmd)
	rootCmd.AddCommand(rulesCmd)
}

// readRules 从文件或标准输入读取规则并校验
func readRules(path string, stdin io.Reader) (rulespec.RuleSet, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	rs, err := rulespec.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := rulespec.Validate(rs); err != nil {
		return nil, err
	}
	return rs, nil
}

func openService() (api.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Intercept.RulesPollMS = 0
	return api.NewService(cfg, newLogger(cfg, true))
}

func runRulesList(cmd *cobra.Command, args []string) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	rs, err := svc.GetRules()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rs)
}

func runRulesSet(cmd *cobra.Command, args []string) error {
	rs, err := readRules(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.SaveRules(rs); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %d rule(s)\n", len(rs))
	return nil
}

func runRulesClear(cmd *cobra.Command, args []string) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.SaveRules(nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "rules cleared")
	return nil
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	rs, err := readRules(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d rule(s) OK\n", len(rs))
	return nil
}
